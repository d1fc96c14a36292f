package mobilitydata

import (
	"fmt"
	"html"
	"strings"
)

const noticeDocBaseURL = "https://gtfs-validator.mobilitydata.org/rules.html#"

// RenderHTML produces a standalone HTML summary of report, bucketed by
// severity then notice code, with a link to the upstream rule
// documentation and a sample-rows table per code (capped at the 15
// rows Report.Notices already carries). It's deliberately independent
// of the validator's own report.html, which callers may also expose
// as-is; this is the branded, skimmable version surfaced inline.
func RenderHTML(feedName string, rep *Report) string {
	var b strings.Builder

	b.WriteString("<!DOCTYPE html>\n<html><head><meta charset=\"utf-8\">\n")
	fmt.Fprintf(&b, "<title>GTFS validation: %s</title>\n", html.EscapeString(feedName))
	b.WriteString(`<style>
body { font-family: -apple-system, Helvetica, Arial, sans-serif; margin: 2rem; color: #1a1a1a; }
h1 { font-size: 1.4rem; }
h2 { font-size: 1.1rem; margin-top: 2rem; border-bottom: 1px solid #ddd; padding-bottom: .25rem; }
.sev-error { color: #b00020; }
.sev-warning { color: #8a6d00; }
.sev-info { color: #555; }
table { border-collapse: collapse; width: 100%; margin: .5rem 0 1.5rem; font-size: .85rem; }
td, th { border: 1px solid #ddd; padding: 4px 8px; text-align: left; vertical-align: top; }
code { background: #f4f4f4; padding: 1px 4px; }
</style></head><body>
`)
	fmt.Fprintf(&b, "<h1>GTFS validation report: %s</h1>\n", html.EscapeString(feedName))

	if len(rep.SystemErrors) > 0 {
		b.WriteString("<h2>System errors</h2><ul>\n")
		for _, e := range rep.SystemErrors {
			fmt.Fprintf(&b, "<li><code>%s</code></li>\n", html.EscapeString(e))
		}
		b.WriteString("</ul>\n")
	}

	buckets := map[string][]Notice{}
	var order []string
	for _, n := range rep.Notices {
		sev := strings.ToLower(n.Severity)
		if _, ok := buckets[sev]; !ok {
			order = append(order, sev)
		}
		buckets[sev] = append(buckets[sev], n)
	}

	for _, sev := range order {
		fmt.Fprintf(&b, "<h2 class=\"sev-%s\">%s (%d)</h2>\n", html.EscapeString(sev), strings.ToUpper(sev), len(buckets[sev]))
		for _, n := range buckets[sev] {
			fmt.Fprintf(&b, "<h3><a href=\"%s%s\">%s</a> &mdash; %d occurrence(s)</h3>\n",
				noticeDocBaseURL, html.EscapeString(n.Code), html.EscapeString(n.Code), n.TotalCount)
			if len(n.SampleRows) == 0 {
				continue
			}
			renderSampleTable(&b, n.SampleRows)
		}
	}

	b.WriteString("</body></html>\n")
	return b.String()
}

func renderSampleTable(b *strings.Builder, rows []map[string]any) {
	cols := map[string]bool{}
	var colOrder []string
	for _, row := range rows {
		for k := range row {
			if !cols[k] {
				cols[k] = true
				colOrder = append(colOrder, k)
			}
		}
	}

	b.WriteString("<table><thead><tr>")
	for _, c := range colOrder {
		fmt.Fprintf(b, "<th>%s</th>", html.EscapeString(c))
	}
	b.WriteString("</tr></thead><tbody>\n")
	for _, row := range rows {
		b.WriteString("<tr>")
		for _, c := range colOrder {
			v := row[c]
			fmt.Fprintf(b, "<td>%s</td>", html.EscapeString(fmt.Sprintf("%v", v)))
		}
		b.WriteString("</tr>\n")
	}
	b.WriteString("</tbody></table>\n")
}
