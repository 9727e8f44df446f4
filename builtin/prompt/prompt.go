// Package prompt rewrites the generation prompt with a language model before denoising.
//
// The rewrite happens in the setup callback, before the step count is read and before
// any scope is entered, so every later extension sees the expanded prompt. The original
// prompt stays available on the DenoiseContext under OriginalKey.
package prompt

import (
	"errors"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/llms"

	"github.com/rickchristie/dext"
)

// DenoiseContext keys written by the Expander.
const (
	OriginalKey = "prompt.original"
	UsageKey    = "prompt.usage"
)

// DefaultInstruction is the system message used when Options.Instruction is empty.
const DefaultInstruction = "Rewrite the user's image prompt into one richly detailed " +
	"prompt for a diffusion model. Reply with the prompt only, no preamble."

// ErrEmptyResponse is returned when the model produces no usable text.
var ErrEmptyResponse = errors.New("prompt: empty model response")

// Options configure an Expander.
type Options struct {
	Instruction string  `mapstructure:"instruction"`
	Temperature float64 `mapstructure:"temperature"`
	MaxTokens   int     `mapstructure:"max_tokens"`

	// Negative also expands the negative prompt when it is set.
	Negative bool `mapstructure:"negative"`
}

// Expander is an extension that asks an llms.Model to expand the prompt at setup.
type Expander struct {
	dext.Base

	model llms.Model
	opts  Options
}

// New creates an initialized Expander.
func New(model llms.Model, opts Options) (*Expander, error) {
	if model == nil {
		return nil, errors.New("prompt: nil model")
	}
	if opts.Instruction == "" {
		opts.Instruction = DefaultInstruction
	}
	e := &Expander{model: model, opts: opts}
	if err := e.Init(e); err != nil {
		return nil, err
	}
	return e, nil
}

// Callbacks implements dext.CallbackProvider. Runs early in setup so extensions that
// read the prompt at setup see the expanded one.
func (e *Expander) Callbacks() []dext.CallbackTag {
	return []dext.CallbackTag{
		dext.Callback(dext.CallbackSetup, -100, e.expand),
	}
}

func (e *Expander) expand(dctx *dext.DenoiseContext) error {
	in := dctx.Inputs()
	if strings.TrimSpace(in.Prompt) == "" {
		return nil
	}

	prompt, usage, err := e.rewrite(dctx, in.Prompt)
	if err != nil {
		return err
	}

	negative := in.NegativePrompt
	if e.opts.Negative && strings.TrimSpace(negative) != "" {
		var u Usage
		negative, u, err = e.rewrite(dctx, negative)
		if err != nil {
			return fmt.Errorf("negative: %w", err)
		}
		usage = usage.add(u)
	}

	dctx.Set(OriginalKey, in.Prompt)
	dctx.Set(UsageKey, usage)
	dctx.UpdateInputs(func(in *dext.Inputs) {
		in.Prompt = prompt
		in.NegativePrompt = negative
	})
	return nil
}

func (e *Expander) rewrite(dctx *dext.DenoiseContext, text string) (string, Usage, error) {
	messages := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, e.opts.Instruction),
		llms.TextParts(llms.ChatMessageTypeHuman, text),
	}

	var callOpts []llms.CallOption
	if e.opts.Temperature > 0 {
		callOpts = append(callOpts, llms.WithTemperature(e.opts.Temperature))
	}
	if e.opts.MaxTokens > 0 {
		callOpts = append(callOpts, llms.WithMaxTokens(e.opts.MaxTokens))
	}

	resp, err := e.model.GenerateContent(dctx.Context(), messages, callOpts...)
	if err != nil {
		return "", Usage{}, fmt.Errorf("prompt: generate: %w", err)
	}
	if resp == nil || len(resp.Choices) == 0 {
		return "", Usage{}, ErrEmptyResponse
	}

	out := strings.TrimSpace(resp.Choices[0].Content)
	if out == "" {
		return "", Usage{}, ErrEmptyResponse
	}
	return out, usageFrom(resp.Choices[0].GenerationInfo), nil
}
