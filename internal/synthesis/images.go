package synthesis

import (
	"bytes"
	"context"
	"encoding/base64"
	"strings"

	"github.com/openai/openai-go"
)

// firstImage maps the first returned item onto its ImageResult variant.
func firstImage(op string, resp *openai.ImagesResponse) (ImageResult, error) {
	if resp == nil || len(resp.Data) == 0 {
		return nil, &Error{Op: op, Message: "no image returned"}
	}
	item := resp.Data[0]
	if b64 := strings.TrimSpace(item.B64JSON); b64 != "" {
		raw, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			return nil, &Error{Op: op, Message: "decode b64_json", Err: err}
		}
		return Inline{Data: raw}, nil
	}
	if u := strings.TrimSpace(item.URL); u != "" {
		return ByReference{URL: u}, nil
	}
	return nil, &Error{Op: op, Message: "image response missing b64_json and url"}
}

// EditImage runs a masked edit. With a non-empty mask only its transparent
// region may change.
func (c *Client) EditImage(ctx context.Context, image, mask []byte, prompt, model string) ([]byte, error) {
	if err := c.checkConfig(); err != nil {
		return nil, err
	}
	params := openai.ImageEditParams{
		Image: openai.ImageEditParamsImageUnion{
			OfFile: openai.File(bytes.NewReader(image), "image.png", "image/png"),
		},
		Prompt: prompt,
		Model:  openai.ImageModel(model),
		N:      openai.Int(1),
		Size:   openai.ImageEditParamsSize(c.cfg.ImageSize),
	}
	if len(mask) > 0 {
		params.Mask = openai.File(bytes.NewReader(mask), "mask.png", "image/png")
	}
	resp, err := c.api.Images.Edit(ctx, params)
	if err != nil {
		return nil, apiError("edit", err)
	}
	res, err := firstImage("edit", resp)
	if err != nil {
		return nil, err
	}
	return c.resolve(ctx, "edit", res)
}

// GenerateImage renders prompt from scratch.
func (c *Client) GenerateImage(ctx context.Context, prompt, model string) ([]byte, error) {
	if err := c.checkConfig(); err != nil {
		return nil, err
	}
	resp, err := c.api.Images.Generate(ctx, openai.ImageGenerateParams{
		Prompt: prompt,
		Model:  openai.ImageModel(model),
		N:      openai.Int(1),
		Size:   openai.ImageGenerateParamsSize(c.cfg.ImageSize),
	})
	if err != nil {
		return nil, apiError("generate", err)
	}
	res, err := firstImage("generate", resp)
	if err != nil {
		return nil, err
	}
	return c.resolve(ctx, "generate", res)
}
