package incremental

// namedError 在跨进程传输后仍可通过 errors.Is 识别。
type namedError struct {
	name string
	msg  string
}

func (e *namedError) Error() string     { return e.msg }
func (e *namedError) ErrorName() string { return e.name }

var (
	// ErrEntryTooLarge 在开发模式下写入超过上限的 fetch 条目时返回。
	ErrEntryTooLarge error = &namedError{name: "EntryTooLargeError", msg: "cache entry too large"}
	// ErrBackendRead 包装后端读取失败，仅在 Options.PropagateReadErrors 时返回。
	ErrBackendRead error = &namedError{name: "BackendReadError", msg: "cache backend read failed"}
)
