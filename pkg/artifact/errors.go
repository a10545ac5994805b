package artifact

import (
	"fmt"
	"path/filepath"

	"github.com/rhuss/backtestd/pkg/api"
)

// ParseError reports a malformed artifact. Line is 1-based and counts the
// header row. Field is the column name, empty when the problem is the
// table shape rather than a value.
type ParseError struct {
	File  string
	Line  int
	Field string
	Value string
	Err   error
}

func (e *ParseError) Error() string {
	name := filepath.Base(e.File)
	switch {
	case e.Field != "":
		return fmt.Sprintf("%s:%d: invalid %s value %q: %v", name, e.Line, e.Field, e.Value, e.Err)
	case e.Line > 0:
		return fmt.Sprintf("%s:%d: %v", name, e.Line, e.Err)
	default:
		return fmt.Sprintf("%s: %v", name, e.Err)
	}
}

func (e *ParseError) Unwrap() error { return e.Err }

// APIError converts the parse error into a parse_error APIError whose
// param is the artifact file name.
func (e *ParseError) APIError() *api.APIError {
	return api.NewParseError(filepath.Base(e.File), e.Error())
}
