// Package assembler implements the Booklet Assembler (spec §4.7, component
// C8): it merges four stage findings into a single Markdown document and
// writes it atomically into the output directory.
package assembler

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/aires-project/aires/internal/aerr"
	"github.com/aires-project/aires/internal/config"
	"github.com/aires-project/aires/internal/idgen"
	"github.com/aires-project/aires/internal/logging"
	"github.com/aires-project/aires/internal/model"
	"gopkg.in/yaml.v3"
)

// Assembler renders ResearchBooklets and writes them atomically (spec
// §4.7's "write to .<name>.tmp then rename; on collision append _<shortId>").
type Assembler struct {
	outputDir string
	cfg       *config.Config
	log       *logging.Logger
}

// New constructs an Assembler writing into cfg.OutputDirectory.
func New(cfg *config.Config, log *logging.Logger) *Assembler {
	return &Assembler{
		outputDir: cfg.OutputDirectory,
		cfg:       cfg,
		log:       log.With("component", "assembler"),
	}
}

type stageModel struct {
	Stage string
	Model string
}

type templateData struct {
	BatchID            string
	FileName           string
	GeneratedAtRFC3339 string
	PrimaryErrorCode   string
	Confidence         float64
	StageModels        []stageModel
	Errors             []model.CompilerError
	Summary            string
	RecommendedActions string
	Docs               model.AIResearchFinding
	Context            model.AIResearchFinding
	Pattern            model.AIResearchFinding
	Synth              model.AIResearchFinding
}

// Build renders the Markdown booklet for batch given its four findings (one
// per stage, ordered arbitrarily — Build re-sorts by Stage). findings with
// fewer than 4 entries still render (used by the partial failure booklet),
// with missing stages left blank.
func Build(batch model.ErrorBatch, findings []model.AIResearchFinding, stageModels map[model.Stage]string) (model.ResearchBooklet, error) {
	var byStage [model.NumStages + 1]model.AIResearchFinding
	for _, f := range findings {
		if int(f.Stage) >= 0 && int(f.Stage) < len(byStage) {
			byStage[f.Stage] = f
		}
	}

	data := templateData{
		BatchID:            batch.BatchID,
		FileName:           batch.SourceFile,
		GeneratedAtRFC3339: time.Now().UTC().Format(time.RFC3339),
		PrimaryErrorCode:   batch.PrimaryErrorCode(),
		Errors:             batch.Errors,
		Docs:               byStage[model.StageDocs],
		Context:            byStage[model.StageContext],
		Pattern:            byStage[model.StagePattern],
		Synth:              byStage[model.StageSynth],
	}
	data.Summary = data.Context.Summary
	data.RecommendedActions = data.Synth.Summary
	if data.Summary == "" {
		data.Summary = "No findings available."
	}
	if data.RecommendedActions == "" {
		data.RecommendedActions = "No recommended actions available."
	}

	for stage, modelName := range stageModels {
		data.StageModels = append(data.StageModels, stageModel{Stage: stage.String(), Model: modelName})
	}

	var booklet model.ResearchBooklet
	booklet.BookletID = idgen.New()
	booklet.BatchID = batch.BatchID
	booklet.GeneratedAt = time.Now()
	booklet.FileName = batch.SourceFile
	for _, f := range findings {
		if f.Stage >= model.StageDocs && int(f.Stage) <= len(booklet.Findings) {
			booklet.Findings[f.Stage-1] = f
		}
	}
	data.Confidence = booklet.Confidence()

	front, err := frontMatter(data)
	if err != nil {
		return model.ResearchBooklet{}, err
	}

	var buf bytes.Buffer
	if err := bookletTmpl.Execute(&buf, data); err != nil {
		return model.ResearchBooklet{}, aerr.Wrap(aerr.KindInfrastructure, "rendering booklet template", err)
	}
	booklet.Content = front + buf.String()
	return booklet, nil
}

// frontMatterDoc is the YAML document at the top of every booklet (spec
// §4.7, §9 booklet layout).
type frontMatterDoc struct {
	BatchID          string            `yaml:"batch_id"`
	GeneratedAt      string            `yaml:"generated_at"`
	PrimaryErrorCode string            `yaml:"primary_error_code"`
	Confidence       float64           `yaml:"confidence"`
	StageModels      map[string]string `yaml:"stage_models"`
}

func frontMatter(data templateData) (string, error) {
	doc := frontMatterDoc{
		BatchID:          data.BatchID,
		GeneratedAt:      data.GeneratedAtRFC3339,
		PrimaryErrorCode: data.PrimaryErrorCode,
		Confidence:       data.Confidence,
		StageModels:      map[string]string{},
	}
	for _, sm := range data.StageModels {
		doc.StageModels[sm.Stage] = sm.Model
	}
	out, err := yaml.Marshal(doc)
	if err != nil {
		return "", aerr.Wrap(aerr.KindInfrastructure, "marshaling booklet front matter", err)
	}
	return "---\n" + string(out) + "---\n\n", nil
}

// Assemble builds the booklet for batch's findings and writes it atomically
// under <outputDir>/YYYY-MM-DD/ (spec §4.7, §9 booklet layout), returning
// the final path.
func (a *Assembler) Assemble(ctx context.Context, batch model.ErrorBatch, findings []model.AIResearchFinding) (string, error) {
	stageModels := map[model.Stage]string{}
	for n := 1; n <= model.NumStages; n++ {
		stageModels[model.Stage(n)] = a.cfg.Stages[n].Model
	}

	booklet, err := Build(batch, findings, stageModels)
	if err != nil {
		return "", err
	}

	now := time.Now()
	dir := filepath.Join(a.outputDir, now.Format("2006-01-02"))
	name := bookletFileName(batch, now)
	path, err := a.writeAtomicIn(dir, name, booklet.Content)
	if err != nil {
		return "", err
	}
	a.log.Info("booklet assembled", "batch_id", batch.BatchID, "path", path)
	return path, nil
}

// AssembleFailure writes the short failure booklet (spec §4.6: "reason +
// partial findings") into <outputDir>/failed/YYYY-MM-DD/.
func (a *Assembler) AssembleFailure(ctx context.Context, batch model.ErrorBatch, partial []model.AIResearchFinding, reason string) (string, error) {
	stageModels := map[model.Stage]string{}
	for n := 1; n <= model.NumStages; n++ {
		stageModels[model.Stage(n)] = a.cfg.Stages[n].Model
	}
	booklet, err := Build(batch, partial, stageModels)
	if err != nil {
		return "", err
	}
	content := fmt.Sprintf("# FAILED: %s\n\nReason: %s\n\n%s", batch.SourceFile, reason, booklet.Content)

	now := time.Now()
	dir := filepath.Join(a.outputDir, "failed", now.Format("2006-01-02"))
	name := bookletFileName(batch, now)
	path, err := a.writeAtomicIn(dir, name, content)
	if err != nil {
		return "", err
	}
	a.log.Warn("failure booklet written", "batch_id", batch.BatchID, "path", path, "reason", reason)
	return path, nil
}

// bookletFileName builds the HH-MM-SS_<primaryErrorCode>_<shortId>.md name
// from spec §9's booklet layout diagram.
func bookletFileName(batch model.ErrorBatch, at time.Time) string {
	code := batch.PrimaryErrorCode()
	if code == "" {
		code = "UNKNOWN"
	}
	return fmt.Sprintf("%s_%s_%s.md", at.Format("15-04-05"), code, idgen.Short())
}

// writeAtomicIn writes content to dir/name via a temp file plus rename
// (spec §4.7). The timestamp+shortId name makes collisions exceedingly
// rare, but on one anyway a fresh _<shortId> suffix is appended rather than
// overwriting (spec §4.7, SPEC_FULL.md §12.4).
func (a *Assembler) writeAtomicIn(dir, name, content string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", aerr.Wrap(aerr.KindInfrastructure, "creating booklet directory", err)
	}

	final := filepath.Join(dir, name)
	if _, err := os.Stat(final); err == nil {
		ext := filepath.Ext(name)
		stem := name[:len(name)-len(ext)]
		final = filepath.Join(dir, fmt.Sprintf("%s_%s%s", stem, idgen.Short(), ext))
	}

	tmp := filepath.Join(dir, "."+filepath.Base(final)+".tmp")
	if err := os.WriteFile(tmp, []byte(content), 0o644); err != nil {
		return "", aerr.Wrap(aerr.KindInfrastructure, "writing temp booklet file", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return "", aerr.Wrap(aerr.KindInfrastructure, "renaming booklet into place", err)
	}
	return final, nil
}
