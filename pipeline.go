package atelier

import (
	"context"
	"fmt"

	"github.com/atelier-ai/atelier/pkg/api"
)

// PipelineBuilder provides a fluent API for defining pipelines:
//
//	pipe := atelier.NewPipeline(atelier.KindImage).
//	    Stage("optimize_prompt", optimizePrompt).
//	    Stage("generate_image", generateImage).
//	    Stage("persist_asset", persistAsset)
//
//	if err := pipe.Register(orc); err != nil {
//	    log.Fatal(err)
//	}
type PipelineBuilder struct {
	def api.PipelineDefinition
}

// NewPipeline creates a new pipeline builder for the given kind.
func NewPipeline(kind Kind) *PipelineBuilder {
	return &PipelineBuilder{
		def: api.PipelineDefinition{
			Kind:   kind,
			Stages: make([]api.StageDefinition, 0),
		},
	}
}

// Kind returns the pipeline kind.
func (b *PipelineBuilder) Kind() Kind {
	return b.def.Kind
}

// Definition returns the underlying PipelineDefinition.
func (b *PipelineBuilder) Definition() PipelineDefinition {
	return b.def
}

// Stage appends a stage to the pipeline.
func (b *PipelineBuilder) Stage(name string, fn StageFunc) *PipelineBuilder {
	if name == "" {
		panic("atelier: stage name must not be empty")
	}
	if fn == nil {
		panic(fmt.Sprintf("atelier: stage %q has nil function", name))
	}

	b.def.Stages = append(b.def.Stages, api.StageDefinition{
		Name: name,
		Fn:   fn,
	})
	return b
}

// StageWithRetry appends a stage whose provider calls use the given retry
// policy instead of the orchestrator default.
func (b *PipelineBuilder) StageWithRetry(name string, fn StageFunc, retry RetryPolicy) *PipelineBuilder {
	if name == "" {
		panic("atelier: stage name must not be empty")
	}
	if fn == nil {
		panic(fmt.Sprintf("atelier: stage %q has nil function", name))
	}

	// Copy so callers can mutate their RetryPolicy after the call without
	// affecting the stored definition.
	r := retry

	b.def.Stages = append(b.def.Stages, api.StageDefinition{
		Name:  name,
		Fn:    fn,
		Retry: &r,
	})
	return b
}

// Register registers the pipeline with the orchestrator.
func (b *PipelineBuilder) Register(o Orchestrator) error {
	return o.RegisterPipeline(b.def)
}

// Built-in pipelines. Both take the name of a registered provider and wire
// the standard stage sequence for their kind.

// ImagePipeline builds the three-stage image generation pipeline:
// optimize_prompt, generate_image, persist_asset.
func ImagePipeline(providerName string) *PipelineBuilder {
	return NewPipeline(KindImage).
		Stage("optimize_prompt", func(ctx context.Context, sc StageContext) error {
			in := sc.Input()
			sc.Think(ctx, "rewriting prompt for the image model")
			art, err := sc.Generate(ctx, providerName, GenerateRequest{
				Operation: "optimize_prompt",
				Prompt:    in.Prompt,
				Style:     in.Style,
			})
			if err != nil {
				return err
			}
			prompt := art.Text
			if prompt == "" {
				prompt = in.Prompt
			}
			sc.Set("optimized_prompt", prompt)
			return nil
		}).
		Stage("generate_image", func(ctx context.Context, sc StageContext) error {
			in := sc.Input()
			prompt := in.Prompt
			if v, ok := sc.Get("optimized_prompt"); ok {
				if s, ok := v.(string); ok && s != "" {
					prompt = s
				}
			}
			art, err := sc.Generate(ctx, providerName, GenerateRequest{
				Operation: "generate_image",
				Prompt:    prompt,
				Width:     in.Width,
				Height:    in.Height,
				Style:     in.Style,
			})
			if err != nil {
				return err
			}
			sc.Set("artifact_id", art.ID)
			sc.Set("artifact_url", art.URL)
			return nil
		}).
		Stage("persist_asset", func(ctx context.Context, sc StageContext) error {
			id, _ := sc.Get("artifact_id")
			url, _ := sc.Get("artifact_url")
			artifactID, ok := id.(string)
			if !ok || artifactID == "" {
				return fmt.Errorf("no artifact produced by generate_image")
			}
			artifactURL, _ := url.(string)
			sc.SetResult(RunResult{
				ArtifactID: artifactID,
				URL:        artifactURL,
			})
			return nil
		})
}

// CopywritingPipeline builds the four-stage product copy pipeline:
// plan, draft, critique, finalize. Each stage feeds its text forward
// through the run's working data.
func CopywritingPipeline(providerName string) *PipelineBuilder {
	textStage := func(operation, inKey, outKey string) StageFunc {
		return func(ctx context.Context, sc StageContext) error {
			prompt := sc.Input().Prompt
			if inKey != "" {
				if v, ok := sc.Get(inKey); ok {
					if s, ok := v.(string); ok && s != "" {
						prompt = s
					}
				}
			}
			art, err := sc.Generate(ctx, providerName, GenerateRequest{
				Operation: operation,
				Prompt:    prompt,
				Style:     sc.Input().Style,
			})
			if err != nil {
				return err
			}
			sc.Set(outKey, art.Text)
			return nil
		}
	}

	return NewPipeline(KindCopywriting).
		Stage("plan", textStage("plan", "", "plan")).
		Stage("draft", textStage("draft", "plan", "draft")).
		Stage("critique", textStage("critique", "draft", "critique")).
		Stage("finalize", func(ctx context.Context, sc StageContext) error {
			draft, _ := sc.Get("draft")
			prompt, _ := draft.(string)
			if critique, ok := sc.Get("critique"); ok {
				if s, ok := critique.(string); ok && s != "" {
					prompt = prompt + "\n\nrevision notes:\n" + s
				}
			}
			art, err := sc.Generate(ctx, providerName, GenerateRequest{
				Operation: "finalize",
				Prompt:    prompt,
				Style:     sc.Input().Style,
			})
			if err != nil {
				return err
			}
			sc.SetResult(RunResult{
				ArtifactID: art.ID,
				Text:       art.Text,
			})
			return nil
		})
}
