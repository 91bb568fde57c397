package ai

// ImageGenerationRequest represents a request to a DALL-E compatible API
type ImageGenerationRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	N      int    `json:"n"`
	Size   string `json:"size"`
}

// ImageGenerationResponse represents the response of an image generation call
type ImageGenerationResponse struct {
	Created int64       `json:"created"`
	Data    []ImageData `json:"data"`
	Error   *Error      `json:"error"`
}

// ImageData represents a single generated image
type ImageData struct {
	URL           string `json:"url"`
	B64JSON       string `json:"b64_json"`
	RevisedPrompt string `json:"revised_prompt"`
}

// NewImageRequest creates a single-image generation request
func NewImageRequest(model, size, prompt string) *ImageGenerationRequest {
	return &ImageGenerationRequest{
		Model:  model,
		Prompt: prompt,
		N:      1,
		Size:   size,
	}
}
