package extract

import (
	"bytes"
	"encoding/json"
	"regexp"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/district-offices/internal/model"
)

var (
	jsonFenceRe = regexp.MustCompile("(?s)```json\\s*(.*?)```")
	anyFenceRe  = regexp.MustCompile("(?s)```[a-zA-Z]*\\s*(.*?)```")
)

// ErrMalformed indicates the model response held no usable JSON.
var ErrMalformed = eris.New("extract: malformed response")

// ParseOffices decodes the model's reply into usable, normalized
// candidates. Candidates without an address, city or phone are dropped.
// An empty list is a valid result.
func ParseOffices(text string) ([]model.OfficeCandidate, error) {
	var lastErr error
	for _, chunk := range jsonCandidates(text) {
		cands, err := decodeOffices([]byte(chunk))
		if err != nil {
			lastErr = err
			continue
		}
		out := make([]model.OfficeCandidate, 0, len(cands))
		for _, c := range cands {
			if c.Usable() {
				out = append(out, c.Normalize())
			}
		}
		return out, nil
	}
	if lastErr == nil {
		lastErr = eris.New("empty response")
	}
	return nil, eris.Wrapf(ErrMalformed, "%v", lastErr)
}

// jsonCandidates lists the substrings worth trying, most specific first.
func jsonCandidates(text string) []string {
	var out []string
	if m := jsonFenceRe.FindStringSubmatch(text); m != nil {
		out = append(out, strings.TrimSpace(m[1]))
	}
	if m := anyFenceRe.FindStringSubmatch(text); m != nil {
		out = append(out, strings.TrimSpace(m[1]))
	}
	if start, end := strings.Index(text, "["), strings.LastIndex(text, "]"); start >= 0 && end > start {
		out = append(out, text[start:end+1])
	}
	if t := strings.TrimSpace(text); t != "" {
		out = append(out, t)
	}
	return out
}

func decodeOffices(data []byte) ([]model.OfficeCandidate, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, eris.New("empty json")
	}

	switch data[0] {
	case '[':
		var list []model.OfficeCandidate
		if err := json.Unmarshal(data, &list); err != nil {
			return nil, eris.Wrap(err, "decode office list")
		}
		return list, nil
	case '{':
		var wrapper struct {
			Offices json.RawMessage `json:"offices"`
		}
		if err := json.Unmarshal(data, &wrapper); err != nil {
			return nil, eris.Wrap(err, "decode office object")
		}
		if len(wrapper.Offices) > 0 && !bytes.Equal(wrapper.Offices, []byte("null")) {
			return decodeOffices(wrapper.Offices)
		}
		var single model.OfficeCandidate
		if err := json.Unmarshal(data, &single); err != nil {
			return nil, eris.Wrap(err, "decode single office")
		}
		return []model.OfficeCandidate{single}, nil
	default:
		return nil, eris.New("response is not a json array or object")
	}
}
