package synthesis

// ImageResult is what an images endpoint hands back: either a reference that
// must be fetched or the encoded bytes themselves.
type ImageResult interface {
	isImageResult()
}

// ByReference points at a hosted image.
type ByReference struct {
	URL string
}

// Inline carries the decoded image bytes.
type Inline struct {
	Data []byte
}

func (ByReference) isImageResult() {}
func (Inline) isImageResult()      {}
