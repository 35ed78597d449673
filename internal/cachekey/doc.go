// Package cachekey derives canonical cache keys. Page keys are normalized
// pathnames (query/locale stripped, separators cleaned, index pages
// disambiguated); fetch keys are SHA-256 digests of a versioned tuple that
// describes the outbound request, including its body decoded into text
// chunks. Both flavours are pure functions of their input so identical
// logical requests always land on the same entry.
package cachekey
