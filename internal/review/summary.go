package review

import (
	"fmt"
	"strings"

	"github.com/sells-group/district-offices/internal/model"
)

// FormatSummary renders a claim as plain text for terminals and the top of
// the review page.
func FormatSummary(c *Claim) string {
	var b strings.Builder
	ext := c.Extraction

	if c.Entity != nil {
		fmt.Fprintf(&b, "%s (%s", c.Entity.Name, c.Entity.ID)
		if c.Entity.State != "" {
			fmt.Fprintf(&b, ", %s", c.Entity.State)
		}
		b.WriteString(")\n")
	}
	if ext != nil {
		fmt.Fprintf(&b, "extraction %d  state %s  attempt %d  priority %d\n",
			ext.ID, ext.State, ext.RetryCount+1, ext.Priority)
		fmt.Fprintf(&b, "source  %s\n", ext.SourceURL)
		if ext.FinalURL != "" && ext.FinalURL != ext.SourceURL {
			fmt.Fprintf(&b, "final   %s\n", ext.FinalURL)
		}
	}

	fmt.Fprintf(&b, "\ncandidates (%d)\n", len(c.Candidates))
	for _, eo := range c.Candidates {
		f := model.FieldsFromCandidate(eo.Candidate)
		fmt.Fprintf(&b, "%3d. %s\n", eo.Seq, officeLine(f))
		if contact := contactLine(f); contact != "" {
			fmt.Fprintf(&b, "     %s\n", contact)
		}
	}

	if len(c.Prior) > 0 {
		fmt.Fprintf(&b, "\nvalidated offices (%d)\n", len(c.Prior))
		for _, vo := range c.Prior {
			sync := "unsynced"
			if vo.SyncedToUpstream {
				sync = "synced"
			}
			fmt.Fprintf(&b, "  - %s  %s  [rev %d, %s]\n", vo.OfficeID, officeLine(vo.OfficeFields), vo.Revision, sync)
		}
	}
	return b.String()
}

func officeLine(f model.OfficeFields) string {
	var parts []string
	if f.OfficeType != "" {
		parts = append(parts, "["+f.OfficeType+"]")
	}
	street := strings.TrimSpace(strings.Join(nonEmpty(f.Building, f.Address, f.Suite), ", "))
	if street != "" {
		parts = append(parts, street+",")
	}
	locality := strings.TrimSpace(strings.Join(nonEmpty(f.City, strings.TrimSpace(f.State+" "+f.Zip)), ", "))
	if locality != "" {
		parts = append(parts, locality)
	}
	if len(parts) == 0 {
		return "(no address)"
	}
	return strings.TrimSuffix(strings.Join(parts, " "), ",")
}

func contactLine(f model.OfficeFields) string {
	var parts []string
	if f.Phone != "" {
		parts = append(parts, "phone "+f.Phone)
	}
	if f.Fax != "" {
		parts = append(parts, "fax "+f.Fax)
	}
	if f.Hours != "" {
		parts = append(parts, "hours "+f.Hours)
	}
	return strings.Join(parts, "  ")
}

func nonEmpty(vals ...string) []string {
	var out []string
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
