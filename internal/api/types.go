package api

// Fixed request parameters. The generator targets a single model at a single
// size; none of these are configurable.
const (
	Model      = "gpt-image-1"
	Size       = "1024x1024"
	Quality    = "high"
	ImageCount = 1
)

// ImageRequest is the JSON body POSTed to the generation endpoint.
type ImageRequest struct {
	Prompt  string `json:"prompt"`
	Model   string `json:"model"`
	Size    string `json:"size"`
	N       int    `json:"n"`
	Quality string `json:"quality"`
}

// NewImageRequest builds the request body for a prompt with the fixed
// model/size/quality parameters filled in.
func NewImageRequest(prompt string) ImageRequest {
	return ImageRequest{
		Prompt:  prompt,
		Model:   Model,
		Size:    Size,
		N:       ImageCount,
		Quality: Quality,
	}
}

// ImageData is one generated image in a success response.
type ImageData struct {
	B64JSON string `json:"b64_json"`
}

// ErrorDetail is the error object the API returns on failure. Code is a
// string on the wire even when it carries a numeric status like "429".
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ImageResponse covers both response shapes: success carries Data, failure
// carries Error. A null or missing b64_json decodes to an empty string.
type ImageResponse struct {
	Data  []ImageData  `json:"data"`
	Error *ErrorDetail `json:"error,omitempty"`
}
