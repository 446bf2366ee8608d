package model

// ByteRange is an inclusive byte window [Start, End] into an artifact's
// full body, as resolved by the Range header parser.
type ByteRange struct {
	Start int64
	End   int64
}

// Length returns the number of bytes the window covers.
func (r ByteRange) Length() int64 {
	return r.End - r.Start + 1
}
