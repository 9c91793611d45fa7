// Package quarantine implements the dual-LLM sanitization sub-protocol
// for untrusted tool results. A quarantined agent sees the raw data but
// can only answer multiple-choice questions with an integer; a main
// agent drives the questioning without ever seeing the raw content and
// produces the final safe summary from the answer transcript alone.
package quarantine

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"regexp"
	"strconv"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"github.com/rs/zerolog"
	"github.com/xeipuuv/gojsonschema"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/bastion-ai/bastion/internal/llm"
	"github.com/bastion-ai/bastion/internal/model"
	bastionotel "github.com/bastion-ai/bastion/internal/otel"
)

const DefaultMaxRounds = 10

// IncompleteSummary is returned when the protocol aborts early. It is
// deliberately explicit so downstream consumers never mistake it for
// sanitized content.
const IncompleteSummary = "Sanitization incomplete: the untrusted tool result could not be safely summarized. The original content has been withheld."

var tracer = bastionotel.Tracer("github.com/bastion-ai/bastion/internal/quarantine")

// Round is one question/answer exchange of the protocol.
type Round struct {
	Question    string   `json:"question"`
	Options     []string `json:"options"`
	ChosenIndex int      `json:"chosenIndex"`
}

// Result is the full outcome of one sanitization run.
type Result struct {
	Rounds  []Round `json:"rounds"`
	Summary string  `json:"finalSummary"`
}

// mainReply is the structured form the main agent must answer in each
// round: either the next question with options, or done.
type mainReply struct {
	Question string   `json:"question"`
	Options  []string `json:"options"`
	Done     bool     `json:"done"`
}

var mainReplySchema = map[string]interface{}{
	"type": "object",
	"properties": map[string]interface{}{
		"question": map[string]interface{}{"type": "string"},
		"options":  map[string]interface{}{"type": "array", "items": map[string]interface{}{"type": "string"}},
		"done":     map[string]interface{}{"type": "boolean"},
	},
	"required":             []interface{}{"question", "options", "done"},
	"additionalProperties": false,
}

var compiledMainReplySchema = func() *gojsonschema.Schema {
	b, err := json.Marshal(mainReplySchema)
	if err != nil {
		panic(err)
	}
	s, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(b))
	if err != nil {
		panic(err)
	}
	return s
}()

// Orchestrator runs the bounded question loop. Main never sees raw
// data; Quarantined never produces anything but an option index.
type Orchestrator struct {
	Main        llm.Client
	Quarantined llm.Client
	MaxRounds   int
	Temperature float64
	Logger      zerolog.Logger

	htmlStripper *bluemonday.Policy
}

// New builds an orchestrator with the default round ceiling. The HTML
// stripper is built here once: a single orchestrator serves concurrent
// gateway requests, so Run must not mutate shared state.
func New(main, quarantined llm.Client, logger zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		Main:         main,
		Quarantined:  quarantined,
		MaxRounds:    DefaultMaxRounds,
		Logger:       logger,
		htmlStripper: bluemonday.StrictPolicy(),
	}
}

// Run sanitizes one untrusted tool result. The returned error is
// reserved for transport-level failures (the underlying LLM call
// failing); protocol-level failures degrade to IncompleteSummary.
func (o *Orchestrator) Run(ctx context.Context, rawContent, userRequest string) (*Result, error) {
	ctx, span := tracer.Start(ctx, "quarantine.run")
	defer span.End()

	maxRounds := o.MaxRounds
	if maxRounds <= 0 {
		maxRounds = DefaultMaxRounds
	}

	result := &Result{}
	for round := 0; round < maxRounds; round++ {
		reply, ok, err := o.nextQuestion(ctx, userRequest, result.Rounds)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		if !ok {
			// LLM answered but not in the agreed shape: abort rather
			// than guess, and never fall back to raw content.
			o.Logger.Warn().Int("round", round).Msg("main agent produced invalid reply, aborting sanitization")
			result.Summary = IncompleteSummary
			span.SetAttributes(attribute.Bool("quarantine.incomplete", true))
			return result, nil
		}
		if reply.Done {
			break
		}
		if len(reply.Options) == 0 {
			o.Logger.Warn().Int("round", round).Msg("main agent proposed a question without options, aborting sanitization")
			result.Summary = IncompleteSummary
			span.SetAttributes(attribute.Bool("quarantine.incomplete", true))
			return result, nil
		}

		chosen, err := o.askQuarantined(ctx, rawContent, reply.Question, reply.Options)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}

		result.Rounds = append(result.Rounds, Round{
			Question:    reply.Question,
			Options:     reply.Options,
			ChosenIndex: chosen,
		})
	}

	summary, err := o.finalSummary(ctx, userRequest, result.Rounds)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	result.Summary = o.stripHTML(summary)

	span.SetAttributes(attribute.Int("quarantine.rounds", len(result.Rounds)))
	return result, nil
}

// nextQuestion asks the main agent for the next question or a done
// signal. ok is false when the reply does not conform to the schema.
// Clients without native structured output drift from the schema more
// often, so an invalid reply on that path gets a single re-ask before
// the run aborts; schema-native clients abort immediately.
func (o *Orchestrator) nextQuestion(ctx context.Context, userRequest string, transcript []Round) (mainReply, bool, error) {
	msgs := []model.CommonMessage{
		{Role: model.RoleSystem, Content: mainSystemPrompt},
		{Role: model.RoleUser, Content: mainRoundPrompt(userRequest, transcript)},
	}

	raw, err := o.Main.ChatWithSchema(ctx, msgs, mainReplySchema, o.Temperature)
	if err != nil {
		return mainReply{}, false, fmt.Errorf("main agent call: %w", err)
	}
	if reply, ok := decodeMainReply(raw); ok {
		return reply, true, nil
	}
	if o.Main.SupportsSchema() {
		return mainReply{}, false, nil
	}

	o.Logger.Debug().Msg("invalid reply from prompted-schema main agent, re-asking once")
	raw, err = o.Main.ChatWithSchema(ctx, msgs, mainReplySchema, o.Temperature)
	if err != nil {
		return mainReply{}, false, fmt.Errorf("main agent retry: %w", err)
	}
	reply, ok := decodeMainReply(raw)
	return reply, ok, nil
}

// decodeMainReply validates one raw main-agent answer against the
// round schema and decodes it.
func decodeMainReply(raw json.RawMessage) (mainReply, bool) {
	validation, err := compiledMainReplySchema.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil || !validation.Valid() {
		return mainReply{}, false
	}
	var reply mainReply
	if err := json.Unmarshal(raw, &reply); err != nil {
		return mainReply{}, false
	}
	return reply, true
}

// askQuarantined poses one multiple-choice question over the raw data
// and returns the chosen option index. A malformed or out-of-range
// answer gets a single clarifying re-prompt, then the last option wins.
func (o *Orchestrator) askQuarantined(ctx context.Context, rawContent, question string, options []string) (int, error) {
	msgs := []model.CommonMessage{
		{Role: model.RoleSystem, Content: quarantinedSystemPrompt},
		{Role: model.RoleUser, Content: quarantinedPrompt(rawContent, question, options)},
	}

	answer, err := o.Quarantined.Chat(ctx, msgs, 0)
	if err != nil {
		return 0, fmt.Errorf("quarantined agent call: %w", err)
	}
	if idx, ok := parseChoice(answer, len(options)); ok {
		return idx, nil
	}

	o.Logger.Debug().Str("answer", answer).Msg("unparseable quarantined answer, re-prompting once")
	msgs = append(msgs,
		model.CommonMessage{Role: model.RoleAssistant, Content: answer},
		model.CommonMessage{Role: model.RoleUser, Content: fmt.Sprintf(
			"That was not a valid answer. Reply with a single integer between 0 and %d and nothing else.", len(options)-1)},
	)
	answer, err = o.Quarantined.Chat(ctx, msgs, 0)
	if err != nil {
		return 0, fmt.Errorf("quarantined agent retry: %w", err)
	}
	if idx, ok := parseChoice(answer, len(options)); ok {
		return idx, nil
	}

	// Fall back to the last option, which the main agent is told to
	// reserve for "other/none of the above".
	return len(options) - 1, nil
}

func (o *Orchestrator) finalSummary(ctx context.Context, userRequest string, transcript []Round) (string, error) {
	msgs := []model.CommonMessage{
		{Role: model.RoleSystem, Content: mainSystemPrompt},
		{Role: model.RoleUser, Content: summaryPrompt(userRequest, transcript)},
	}
	summary, err := o.Main.Chat(ctx, msgs, o.Temperature)
	if err != nil {
		return "", fmt.Errorf("main agent summary call: %w", err)
	}
	return strings.TrimSpace(summary), nil
}

// stripHTML drops markup from the summary and undoes the entity
// escaping Sanitize applies to plain text, so quotes and ampersands in
// a legitimate summary survive. No field writes: Run is called
// concurrently on one shared orchestrator.
func (o *Orchestrator) stripHTML(s string) string {
	p := o.htmlStripper
	if p == nil {
		p = bluemonday.StrictPolicy()
	}
	return strings.TrimSpace(html.UnescapeString(p.Sanitize(s)))
}

var intPattern = regexp.MustCompile(`-?\d+`)

// parseChoice extracts an option index from the quarantined agent's
// answer. Accepts a bare integer, or the first integer token for models
// that add punctuation around it.
func parseChoice(answer string, optionCount int) (int, bool) {
	trimmed := strings.TrimSpace(answer)
	if idx, err := strconv.Atoi(trimmed); err == nil {
		return idx, idx >= 0 && idx < optionCount
	}
	tok := intPattern.FindString(trimmed)
	if tok == "" {
		return 0, false
	}
	idx, err := strconv.Atoi(tok)
	if err != nil || idx < 0 || idx >= optionCount {
		return 0, false
	}
	return idx, true
}
