package errors

func OpenFileFailed(path string, cause error) *Error {
	return Newf(cause, KindIO, "failed to open file: %s", path).WithStack()
}

func StatFileFailed(path string, cause error) *Error {
	return Newf(cause, KindIO, "failed to stat file: %s", path).WithStack()
}

func ReadFileFailed(path string, cause error) *Error {
	return Newf(cause, KindIO, "failed to read file: %s", path).WithStack()
}

func WriteOutputFailed(cause error) *Error {
	return New(cause, KindIO, "failed to write output").WithStack()
}

func CreateDirFailed(path string, cause error) *Error {
	return Newf(cause, KindIO, "failed to create directory: %s", path).WithStack()
}

func RenameFileFailed(from, to string, cause error) *Error {
	return Newf(cause, KindIO, "failed to rename %s to %s", from, to).WithStack()
}
