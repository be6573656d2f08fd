package worker

// Request is a message sent to a worker. Exactly one variant is set.
type Request struct {
	ID     uint64
	Resize *ResizeRequest
}

// ResizeRequest asks for a photo to be downscaled and recompressed
type ResizeRequest struct {
	Image        []byte
	MaxDimension int
	Quality      int
}

// Response answers the Request with the same ID
type Response struct {
	ID    uint64
	Image []byte
	Err   error
}

// Stats tracks bridge activity
type Stats struct {
	Submitted int64 // Requests accepted
	Completed int64 // Requests answered with an image
	Failed    int64 // Requests answered with an error
	Abandoned int64 // Responses whose caller had already gone
}
