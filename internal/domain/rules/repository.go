// Package rules holds the dosing table: the mapping from order codes to study
// keys and the per-study rules, loaded once and read-only afterwards.
package rules

import (
	"context"
	"fmt"
	"maps"
	"slices"

	"github.com/google/cel-go/cel"
	"github.com/rs/zerolog"
)

const celCostLimit = 1000000

type compiledVariant struct {
	Variant
	prog cel.Program
}

// Repository answers study-key and rule lookups. It is safe for concurrent
// use.
type Repository struct {
	doc      *Document
	mapping  map[string]string
	variants map[string][]compiledVariant
	warnings []string
	logger   zerolog.Logger
}

// Options controls how a document becomes a Repository.
type Options struct {
	// Strict turns dangling references into load errors.
	Strict bool
	Logger zerolog.Logger
}

// New validates doc and compiles its variant expressions.
func New(doc *Document, opts Options) (*Repository, error) {
	warnings, err := doc.check()
	if err != nil {
		return nil, fmt.Errorf("invalid rules document: %w", err)
	}
	if opts.Strict && len(warnings) > 0 {
		return nil, fmt.Errorf("invalid rules document: %s", warnings[0])
	}

	env, err := cel.NewEnv(cel.Variable("protocol", cel.DynType))
	if err != nil {
		return nil, fmt.Errorf("create cel env: %w", err)
	}

	r := &Repository{
		doc:      doc,
		mapping:  doc.Mapping[MappingField],
		variants: make(map[string][]compiledVariant, len(doc.Variants)),
		warnings: warnings,
		logger:   opts.Logger,
	}
	for base, list := range doc.Variants {
		for i, v := range list {
			ast, issues := env.Compile(v.When)
			if issues != nil && issues.Err() != nil {
				return nil, fmt.Errorf("variant %s[%d]: compile %q: %w", base, i, v.When, issues.Err())
			}
			prog, err := env.Program(ast,
				cel.EvalOptions(cel.OptTrackState),
				cel.CostLimit(celCostLimit),
			)
			if err != nil {
				return nil, fmt.Errorf("variant %s[%d]: program: %w", base, i, err)
			}
			r.variants[base] = append(r.variants[base], compiledVariant{Variant: v, prog: prog})
		}
	}

	for _, w := range warnings {
		r.logger.Warn().Str("rules_version", doc.Version).Msg(w)
	}
	return r, nil
}

// Load reads, parses and validates the document at location (see
// ReadSource).
func Load(ctx context.Context, location string, src SourceOptions, opts Options) (*Repository, error) {
	data, format, err := ReadSource(ctx, location, src)
	if err != nil {
		return nil, err
	}
	doc, err := Parse(data, format)
	if err != nil {
		return nil, err
	}
	return New(doc, opts)
}

// StudyKeyFor maps an order code and protocol to a study key. The first
// variant of the base key whose expression holds wins.
func (r *Repository) StudyKeyFor(orderCode string, p Protocol) (string, error) {
	base, ok := r.mapping[orderCode]
	if !ok {
		return "", &UnmappedCodeError{Code: orderCode}
	}

	variants := r.variants[base]
	if len(variants) == 0 {
		return base, nil
	}
	activation := p.activation()
	for _, v := range variants {
		out, _, err := v.prog.Eval(activation)
		if err != nil {
			r.logger.Warn().Err(err).Str("base_key", base).Str("when", v.When).Msg("variant evaluation failed")
			continue
		}
		matched, ok := out.Value().(bool)
		if !ok {
			r.logger.Warn().Str("base_key", base).Str("when", v.When).Msg("variant expression is not boolean")
			continue
		}
		if matched {
			return v.StudyKey, nil
		}
	}
	return base, nil
}

// RuleFor returns the rule of a study key.
func (r *Repository) RuleFor(studyKey string) (Rule, error) {
	rule, ok := r.doc.Studies[studyKey]
	if !ok {
		r.logger.Error().Str("study_key", studyKey).Str("rules_version", r.doc.Version).
			Msg("study key has no rule: rules document is inconsistent")
		return Rule{}, &UnknownStudyKeyError{StudyKey: studyKey}
	}
	return rule, nil
}

func (r *Repository) Version() string {
	if r.doc.Version == "" {
		return "unknown"
	}
	return r.doc.Version
}

// Guideline is the citation string attached to every response.
func (r *Repository) Guideline() string { return r.doc.Guideline.String() }

// GuidelineInfo is the guideline block as written in the document.
func (r *Repository) GuidelineInfo() Guideline { return r.doc.Guideline }

// Keys lists study keys in order.
func (r *Repository) Keys() []string { return sortedKeys(r.doc.Studies) }

// Codes lists mapped order codes in order.
func (r *Repository) Codes() []string { return sortedKeys(r.mapping) }

// Warnings are the non-fatal findings of load-time validation.
func (r *Repository) Warnings() []string { return slices.Clone(r.warnings) }

func sortedKeys[V any](m map[string]V) []string {
	return slices.Sorted(maps.Keys(m))
}
