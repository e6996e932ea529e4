package agents

import (
	"fmt"

	"github.com/cra-copilot/backend/internal/core/ports"
	"github.com/cra-copilot/backend/internal/domain"
	"github.com/mitchellh/mapstructure"
)

// decodeInput fills out from a task document. Numbers arrive as float64 and
// are narrowed by the decoder.
func decodeInput(src domain.JSONB, out interface{}) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		TagName:          "mapstructure",
	})
	if err != nil {
		return err
	}
	if src == nil {
		src = domain.JSONB{}
	}
	if err := dec.Decode(map[string]interface{}(src)); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}
	return nil
}

// generationOptions is the per-task model configuration.
type generationOptions struct {
	Model            string   `mapstructure:"model"`
	Temperature      *float64 `mapstructure:"temperature"`
	TopP             *float64 `mapstructure:"top_p"`
	TopK             *int     `mapstructure:"top_k"`
	MaxOutputTokens  *int     `mapstructure:"max_output_tokens"`
	IncludePaperList *bool    `mapstructure:"include_paper_list"`
}

func decodeOptions(config domain.JSONB) (generationOptions, error) {
	var opts generationOptions
	if err := decodeInput(config, &opts); err != nil {
		return opts, err
	}
	return opts, nil
}

func (o generationOptions) generation() ports.GenerationConfig {
	return ports.GenerationConfig{
		Model:           o.Model,
		Temperature:     o.Temperature,
		TopP:            o.TopP,
		TopK:            o.TopK,
		MaxOutputTokens: o.MaxOutputTokens,
	}
}

func (o generationOptions) includePaperList() bool {
	return o.IncludePaperList == nil || *o.IncludePaperList
}

func boolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}

func intOr(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func stringOr(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
