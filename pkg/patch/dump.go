package patch

import (
	"io"

	"github.com/goccy/go-json"
)

// DumpJSON writes the batch as indented JSON. It is meant for debugging;
// decoding the output does not restore value types faithfully.
func (b *Batch) DumpJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(b)
}
