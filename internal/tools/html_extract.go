// internal/tools/html_extract.go
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"

	"github.com/xkilldash9x/overmind/internal/mission"
)

const HTMLExtractName = "html.extract"

type htmlExtractInput struct {
	HTML     string `json:"html"`
	Selector string `json:"selector"`
	Attr     string `json:"attr,omitempty"`
	Mode     string `json:"mode,omitempty"` // text (default), html, attr
	Limit    int    `json:"limit,omitempty"`
}

type htmlExtractOutput struct {
	Selector string   `json:"selector"`
	Count    int      `json:"count"`
	Matches  []string `json:"matches"`
}

// HTMLExtract selects elements from an HTML document with a CSS selector.
type HTMLExtract struct{}

func NewHTMLExtract() *HTMLExtract { return &HTMLExtract{} }

func (HTMLExtract) Descriptor() Descriptor {
	return Descriptor{
		Name:        HTMLExtractName,
		Description: "Extracts text, outer HTML or an attribute from elements matching a CSS selector.",
		Mode:        ModeSync,
		Schema: Schema{
			Required: []string{"html", "selector"},
			Properties: map[string]string{
				"html":     "document source, often @results.<task>.body",
				"selector": "CSS selector",
				"mode":     "text | html | attr",
				"attr":     "attribute name when mode is attr",
				"limit":    "maximum number of matches",
			},
		},
	}
}

func (HTMLExtract) Invoke(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
	var in htmlExtractInput
	if err := decodeInput(HTMLExtractName, input, &in); err != nil {
		return nil, err
	}
	if in.Mode == "attr" && in.Attr == "" {
		return nil, Permanent(mission.Errorf(mission.CodeInvalidInput, HTMLExtractName, "mode attr requires attr"))
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(in.HTML))
	if err != nil {
		return nil, Permanent(mission.Errorf(mission.CodeToolExecution, HTMLExtractName, "failed to parse document: %v", err))
	}

	out := htmlExtractOutput{Selector: in.Selector, Matches: []string{}}
	var renderErr error
	doc.Find(in.Selector).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if ctx.Err() != nil {
			return false
		}
		var v string
		switch in.Mode {
		case "html":
			v, renderErr = renderOuter(s)
			if renderErr != nil {
				return false
			}
		case "attr":
			var ok bool
			if v, ok = s.Attr(in.Attr); !ok {
				return true
			}
		default:
			v = strings.Join(strings.Fields(s.Text()), " ")
		}
		out.Matches = append(out.Matches, v)
		return in.Limit <= 0 || len(out.Matches) < in.Limit
	})
	if renderErr != nil {
		return nil, Permanent(mission.Errorf(mission.CodeToolExecution, HTMLExtractName, "failed to render node: %v", renderErr))
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out.Count = len(out.Matches)
	return encodeOutput(HTMLExtractName, out)
}

func renderOuter(s *goquery.Selection) (string, error) {
	var buf bytes.Buffer
	for _, n := range s.Nodes {
		if err := html.Render(&buf, n); err != nil {
			return "", err
		}
	}
	return buf.String(), nil
}
