// Package service exposes the retrieval pipeline and the evaluator as a
// transport-neutral API. HTTP handlers and the gRPC service both call it.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/knoguchi/costrag/internal/evaluation"
	"github.com/knoguchi/costrag/internal/observability"
	"github.com/knoguchi/costrag/internal/retrieval"
)

// validate is the shared validator instance; it reports fields by their
// JSON names.
var validate *validator.Validate

func init() {
	validate = validator.New()
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
}

// Pipeline is the retrieval pipeline surface the service needs.
type Pipeline interface {
	Retrieve(ctx context.Context, q retrieval.Query) (*retrieval.Response, error)
	Stats(ctx context.Context) (*retrieval.Stats, error)
	Config() retrieval.Config
}

// RetrievalService implements RetrievalServiceServer.
type RetrievalService struct {
	pipeline Pipeline
	gold     []evaluation.GoldLabel
	evalOpts evaluation.Options
	logger   *slog.Logger
	metrics  *observability.Metrics
}

// Option configures a RetrievalService.
type Option func(*RetrievalService)

// WithGoldLabels sets the gold set used by Evaluate when a request carries
// no labels of its own.
func WithGoldLabels(labels []evaluation.GoldLabel) Option {
	return func(s *RetrievalService) {
		s.gold = labels
	}
}

// WithEvaluationOptions sets evaluator defaults.
func WithEvaluationOptions(opts evaluation.Options) Option {
	return func(s *RetrievalService) {
		s.evalOpts = opts
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *RetrievalService) {
		s.logger = logger
	}
}

// WithMetrics enables evaluation metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *RetrievalService) {
		s.metrics = m
	}
}

// NewRetrievalService creates a new RetrievalService
func NewRetrievalService(p Pipeline, opts ...Option) *RetrievalService {
	s := &RetrievalService{
		pipeline: p,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Retrieve returns the top_k chunks for a query.
func (s *RetrievalService) Retrieve(ctx context.Context, req *RetrieveRequest) (*RetrieveResponse, error) {
	if req == nil {
		return nil, retrieval.NewError(retrieval.KindInvalidRequest, "request is required", nil)
	}
	trimmed := *req
	trimmed.Query = strings.TrimSpace(req.Query)
	req = &trimmed
	if err := validateStruct(req); err != nil {
		return nil, err
	}

	q := retrieval.Query{
		Text:      req.Query,
		TopK:      s.pipeline.Config().DefaultTopK,
		Providers: req.Providers,
	}
	if req.TopK != nil {
		q.TopK = *req.TopK
	}
	if req.Rerank != nil && !*req.Rerank {
		q.SkipRerank = true
	}

	resp, err := s.pipeline.Retrieve(ctx, q)
	if err != nil {
		return nil, err
	}

	out := &RetrieveResponse{
		Query:            req.Query,
		Results:          make([]Result, 0, len(resp.Results)),
		Degraded:         resp.Degraded,
		DegradedReason:   resp.DegradedReason,
		ProcessingTimeMs: float64(resp.Took.Microseconds()) / 1000,
	}
	for _, c := range resp.Results {
		out.Results = append(out.Results, toResult(c))
	}
	return out, nil
}

// Stats reports corpus statistics.
func (s *RetrievalService) Stats(ctx context.Context, _ *StatsRequest) (*StatsResponse, error) {
	return s.pipeline.Stats(ctx)
}

// Evaluate runs the evaluator over the request's labels, or the configured
// gold set.
func (s *RetrievalService) Evaluate(ctx context.Context, req *EvaluateRequest) (*EvaluateResponse, error) {
	if req == nil {
		req = &EvaluateRequest{}
	}
	if err := validateStruct(req); err != nil {
		return nil, err
	}

	labels := req.Labels
	if len(labels) == 0 {
		labels = s.gold
	}
	if len(labels) == 0 {
		return nil, retrieval.NewError(retrieval.KindInvalidRequest, "no gold labels configured or supplied", nil)
	}

	opts := s.evalOpts
	if len(req.KValues) > 0 {
		opts.KValues = req.KValues
	}
	opts.MaxTopK = s.pipeline.Config().MaxTopK
	opts.SkipRerank = req.SkipRerank
	opts.Logger = s.logger
	opts.Metrics = s.metrics

	ev, err := evaluation.NewEvaluator(s.pipeline, &opts)
	if err != nil {
		return nil, err
	}
	report, err := ev.Evaluate(ctx, labels)
	if errors.Is(err, context.DeadlineExceeded) {
		return nil, retrieval.NewError(retrieval.KindTimeout, "evaluation exceeded its time budget", err)
	}
	if err != nil {
		return nil, retrieval.NewError(retrieval.KindTimeout, "evaluation was cancelled", err)
	}
	return report, nil
}

// Ready checks the vector store through Stats.
func (s *RetrievalService) Ready(ctx context.Context) error {
	_, err := s.pipeline.Stats(ctx)
	return err
}

// validateStruct runs struct tag validation and reports failures as
// invalid requests naming each field.
func validateStruct(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return retrieval.NewError(retrieval.KindInvalidRequest, err.Error(), nil)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fieldMessage(fe))
	}
	return retrieval.NewError(retrieval.KindInvalidRequest, strings.Join(msgs, "; "), nil)
}

func fieldMessage(fe validator.FieldError) string {
	field := fe.Field()
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "min":
		return fmt.Sprintf("%s must be at least %s", field, fe.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s", field, fe.Param())
	default:
		return fmt.Sprintf("%s failed on '%s'", field, fe.Tag())
	}
}
