package channels

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/convoke-ai/convoke/pkg/models"
)

// Piece is one parsed span of model output attributed to a channel.
type Piece struct {
	Channel  models.Channel
	Content  string
	Continue bool
}

// continuationMarker is the synthetic analysis content recorded when a
// structured response asks to continue.
const continuationMarker = "[CONTINUE]"

var (
	markerTokenRe = regexp.MustCompile(`\[(/?)(ANALYSIS|COMMENTARY|FINAL)\]`)
	tagTokenRe    = regexp.MustCompile(`<(/?)(analysis|thinking|commentary|tool_call|final)>`)

	continueRe = regexp.MustCompile(`(?i)(?:\[CONTINUE\]|CONTINUE\s*:\s*true|"continue"\s*:\s*true)`)
)

// structuredResponse is the JSON form some models emit when prompted for
// explicit channel separation.
type structuredResponse struct {
	Analysis   *string `json:"analysis"`
	Commentary *string `json:"commentary"`
	Final      *string `json:"final"`
	Metadata   struct {
		Continue bool `json:"continue"`
	} `json:"metadata"`
}

// Parse splits raw model output into channel pieces.
//
// A JSON object carrying all three channel keys is split verbatim. Otherwise
// marked spans ([ANALYSIS], <thinking>, ...) are extracted and the unmarked
// tail is routed by shape: tool-call JSON to commentary, continuation hints
// to analysis, everything else to final.
func Parse(raw string) []Piece {
	if pieces, ok := parseStructured(raw); ok {
		return pieces
	}
	return parseMarked(raw)
}

func parseStructured(raw string) ([]Piece, bool) {
	trimmed := strings.TrimSpace(raw)
	if !strings.HasPrefix(trimmed, "{") {
		return nil, false
	}
	var resp structuredResponse
	if err := json.Unmarshal([]byte(trimmed), &resp); err != nil {
		return nil, false
	}
	if resp.Analysis == nil || resp.Commentary == nil || resp.Final == nil {
		return nil, false
	}

	var pieces []Piece
	analysis := *resp.Analysis
	if resp.Metadata.Continue {
		if analysis != "" {
			analysis += "\n"
		}
		analysis += continuationMarker
	}
	if analysis != "" {
		pieces = append(pieces, Piece{Channel: models.ChannelAnalysis, Content: analysis, Continue: resp.Metadata.Continue})
	}
	if *resp.Commentary != "" {
		pieces = append(pieces, Piece{Channel: models.ChannelCommentary, Content: *resp.Commentary})
	}
	if *resp.Final != "" {
		pieces = append(pieces, Piece{Channel: models.ChannelFinal, Content: *resp.Final})
	}
	return pieces, true
}

var tagChannel = map[string]models.Channel{
	"analysis":   models.ChannelAnalysis,
	"thinking":   models.ChannelAnalysis,
	"commentary": models.ChannelCommentary,
	"tool_call":  models.ChannelCommentary,
	"final":      models.ChannelFinal,
}

var markerChannel = map[string]models.Channel{
	"ANALYSIS":   models.ChannelAnalysis,
	"COMMENTARY": models.ChannelCommentary,
	"FINAL":      models.ChannelFinal,
}

func parseMarked(raw string) []Piece {
	var pieces []Piece
	tail := raw

	extract := func(re *regexp.Regexp, channelOf func(string) models.Channel) {
		tokens := re.FindAllStringSubmatchIndex(tail, -1)
		if len(tokens) == 0 {
			return
		}
		var rest strings.Builder
		pos := 0
		for i := 0; i < len(tokens); i++ {
			tok := tokens[i]
			isCloser := tok[3] > tok[2]
			if isCloser {
				// Stray closer with no opener; drop the token, keep
				// surrounding text.
				rest.WriteString(tail[pos:tok[0]])
				pos = tok[1]
				continue
			}
			rest.WriteString(tail[pos:tok[0]])
			name := tail[tok[4]:tok[5]]

			// Body runs to the next token (opener or closer) or
			// end-of-string. A matching closer is consumed.
			bodyEnd := len(tail)
			pos = len(tail)
			if i+1 < len(tokens) {
				next := tokens[i+1]
				bodyEnd = next[0]
				pos = next[0]
				if next[3] > next[2] { // next token is a closer
					pos = next[1]
					i++
				}
			}
			body := strings.TrimSpace(tail[tok[1]:bodyEnd])
			if body != "" {
				pieces = append(pieces, Piece{Channel: channelOf(name), Content: body})
			}
		}
		rest.WriteString(tail[pos:])
		tail = rest.String()
	}

	extract(markerTokenRe, func(name string) models.Channel { return markerChannel[name] })
	extract(tagTokenRe, func(name string) models.Channel { return tagChannel[name] })

	tail = strings.TrimSpace(tail)
	if tail != "" {
		pieces = append(pieces, routeTail(tail)...)
	}
	if len(pieces) == 0 {
		return nil
	}
	return pieces
}

// routeTail classifies unmarked text. Tool-call shaped JSON becomes
// commentary, continuation hints become analysis, the remainder is final.
func routeTail(tail string) []Piece {
	if isToolCallJSON(tail) {
		return []Piece{{Channel: models.ChannelCommentary, Content: tail}}
	}
	if continueRe.MatchString(tail) {
		stripped := strings.TrimSpace(continueRe.ReplaceAllString(tail, ""))
		pieces := []Piece{{Channel: models.ChannelAnalysis, Content: continuationMarker, Continue: true}}
		if stripped != "" {
			pieces = append(pieces, Piece{Channel: models.ChannelFinal, Content: stripped})
		}
		return pieces
	}
	return []Piece{{Channel: models.ChannelFinal, Content: tail}}
}

// isToolCallJSON reports whether s parses as a JSON object shaped like a
// tool invocation.
func isToolCallJSON(s string) bool {
	trimmed := strings.TrimSpace(s)
	if !strings.HasPrefix(trimmed, "{") {
		return false
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(trimmed), &obj); err != nil {
		return false
	}
	if _, ok := obj["tool_call"]; ok {
		return true
	}
	if _, ok := obj["tool_calls"]; ok {
		return true
	}
	_, hasName := obj["name"]
	_, hasArgs := obj["arguments"]
	if !hasArgs {
		_, hasArgs = obj["parameters"]
	}
	return hasName && hasArgs
}

// HasContinuation reports whether any parsed piece requested continuation.
func HasContinuation(pieces []Piece) bool {
	for _, p := range pieces {
		if p.Continue {
			return true
		}
	}
	return false
}
