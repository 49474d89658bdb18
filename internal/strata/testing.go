package strata

// NewRandomBlobHandle returns a BlobHandle with a random ID and type DataBlob.
// It is only intended for tests.
func NewRandomBlobHandle() BlobHandle {
	return BlobHandle{ID: NewRandomID(), Type: DataBlob}
}
