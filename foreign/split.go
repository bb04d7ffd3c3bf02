package foreign

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/c360/netlistener/errors"
)

// SplitStreamedJSON separates a payload of back-to-back JSON values into
// individual documents. Whitespace between values is ignored.
func SplitStreamedJSON(raw string) ([]string, error) {
	dec := json.NewDecoder(strings.NewReader(raw))
	var docs []string
	for {
		var v json.RawMessage
		err := dec.Decode(&v)
		if err == io.EOF {
			break
		}
		if err != nil {
			return docs, errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrParsingFailed, err),
				"foreign", "SplitStreamedJSON", "decode streamed document")
		}
		docs = append(docs, string(v))
	}
	return docs, nil
}
