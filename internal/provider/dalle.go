package provider

import (
	"context"

	"tollgate/internal/model"
)

const (
	dalleURL   = "https://api.openai.com/v1/images/generations"
	dalleModel = "dall-e-3"

	imageCost   = 5
	imageCostHD = 8
)

// stylePrefixes steer the image toward a named look. Unknown styles pass the
// prompt through untouched.
var stylePrefixes = map[string]string{
	"realistic": "Create a photorealistic image with natural lighting and details: ",
	"anime":     "Create an anime-style illustration with vibrant colors and distinctive anime aesthetics: ",
	"pixel-art": "Create a pixel art image with visible pixels and limited color palette: ",
	"sketch":    "Create a hand-drawn sketch with pencil/pen lines and minimal shading: ",
}

// Styles lists the supported image styles.
func Styles() []string {
	out := make([]string, 0, len(stylePrefixes))
	for s := range stylePrefixes {
		out = append(out, s)
	}
	return out
}

type imageRequest struct {
	Model   string `json:"model"`
	Prompt  string `json:"prompt"`
	Size    string `json:"size"`
	Quality string `json:"quality"`
	N       int    `json:"n"`
}

type imageResponse struct {
	Data []struct {
		URL string `json:"url"`
	} `json:"data"`
}

// Dalle is the image generation adapter. Content of a successful response is
// the URL of the generated image.
type Dalle struct {
	apiClient
	apiKey string
	model  string
	url    string
}

func NewDalle(apiKey string) *Dalle {
	return &Dalle{apiClient: newAPIClient(KindDalle), apiKey: apiKey, url: dalleURL, model: dalleModel}
}

func (p *Dalle) Kind() Kind                 { return KindDalle }
func (p *Dalle) Operation() model.Operation { return model.OpImage }

func (p *Dalle) Cost(req Request) int64 {
	if req.HD {
		return imageCostHD
	}
	return imageCost
}

func (p *Dalle) Generate(ctx context.Context, req Request) (*Response, error) {
	prompt := req.Prompt
	if prefix, ok := stylePrefixes[req.Style]; ok {
		prompt = prefix + prompt
	}
	quality := "standard"
	if req.HD {
		quality = "hd"
	}

	body := imageRequest{
		Model:   p.model,
		Prompt:  prompt,
		Size:    "1024x1024",
		Quality: quality,
		N:       1,
	}

	var out imageResponse
	err := p.postJSON(ctx, p.url, map[string]string{
		"Authorization": "Bearer " + p.apiKey,
	}, body, &out)
	if err != nil {
		return nil, err
	}
	if len(out.Data) == 0 {
		return nil, &Error{Provider: KindDalle, Reason: "no image returned", Retriable: true}
	}
	return &Response{Content: out.Data[0].URL, MeteredCost: p.Cost(req)}, nil
}
