package dispatch

import (
	"fmt"
	"strings"

	"github.com/wojtczak/sygnal/internal/domain"
)

// renderSignal produces the subject, plain-text, and HTML bodies for one
// signal. Telegram sends the text body; email sends both.
func renderSignal(sig domain.TradingSignal) (subject, text, html string) {
	action := strings.ToUpper(string(sig.Type))
	subject = fmt.Sprintf("[GPW] %s %s @ %s", sig.Symbol, action, sig.PriceAtSignal.StringFixed(2))

	var b strings.Builder
	fmt.Fprintf(&b, "%s %s %s @ %s\n", directionMark(sig.Type), action, sig.Symbol, sig.PriceAtSignal.StringFixed(2))
	fmt.Fprintf(&b, "Confidence: %.0f%%\n", sig.Confidence)
	fmt.Fprintf(&b, "Target: %s | Stop: %s\n", sig.TargetPrice.StringFixed(4), sig.StopLossPrice.StringFixed(4))
	fmt.Fprintf(&b, "Position: %d shares\n", sig.PositionSize)
	fmt.Fprintf(&b, "Why: %s\n", sig.Reason.Summary())
	fmt.Fprintf(&b, "Session %s", sig.SessionKey)
	text = b.String()

	var h strings.Builder
	h.WriteString(`<div style="font-family: Arial, sans-serif; max-width: 480px;">`)
	fmt.Fprintf(&h, `<h2 style="margin: 0 0 12px;">%s %s %s @ %s</h2>`,
		directionMark(sig.Type), action, sig.Symbol, sig.PriceAtSignal.StringFixed(2))
	h.WriteString(`<table style="border-collapse: collapse; width: 100%;">`)
	htmlRow(&h, "Confidence", fmt.Sprintf("%.0f%%", sig.Confidence))
	htmlRow(&h, "Target", sig.TargetPrice.StringFixed(4))
	htmlRow(&h, "Stop loss", sig.StopLossPrice.StringFixed(4))
	htmlRow(&h, "Position", fmt.Sprintf("%d shares", sig.PositionSize))
	htmlRow(&h, "Why", sig.Reason.Summary())
	htmlRow(&h, "Session", sig.SessionKey)
	h.WriteString(`</table></div>`)
	html = h.String()

	return subject, text, html
}

// renderSummary produces the end-of-session digest for one user's day.
func renderSummary(sessionKey string, signals []domain.TradingSignal) (subject, text, html string) {
	subject = fmt.Sprintf("[GPW] Daily summary %s", sessionKey)

	var b strings.Builder
	fmt.Fprintf(&b, "Session %s: %d signal(s)\n", sessionKey, len(signals))
	for _, sig := range signals {
		fmt.Fprintf(&b, "\n%s %s %s @ %s, %.0f%% confidence\n",
			directionMark(sig.Type), strings.ToUpper(string(sig.Type)), sig.Symbol,
			sig.PriceAtSignal.StringFixed(2), sig.Confidence)
		b.WriteString("  " + outcomeLine(sig) + "\n")
	}
	text = strings.TrimRight(b.String(), "\n")

	var h strings.Builder
	h.WriteString(`<div style="font-family: Arial, sans-serif; max-width: 560px;">`)
	fmt.Fprintf(&h, `<h2 style="margin: 0 0 12px;">Session %s: %d signal(s)</h2>`, sessionKey, len(signals))
	h.WriteString(`<table style="border-collapse: collapse; width: 100%;">`)
	for _, sig := range signals {
		htmlRow(&h,
			fmt.Sprintf("%s %s %s @ %s", directionMark(sig.Type), strings.ToUpper(string(sig.Type)),
				sig.Symbol, sig.PriceAtSignal.StringFixed(2)),
			outcomeLine(sig))
	}
	h.WriteString(`</table></div>`)
	html = h.String()

	return subject, text, html
}

func outcomeLine(sig domain.TradingSignal) string {
	if sig.Outcome == nil {
		return "still open"
	}
	o := sig.Outcome
	pct := o.RealisedPct.StringFixed(2)
	if !o.RealisedPct.IsNegative() {
		pct = "+" + pct
	}
	return fmt.Sprintf("%s at %s, %s%% in %d min", o.Resolution, o.ExitPrice.StringFixed(4), pct, o.HoldingMinutes)
}

func directionMark(t domain.SignalType) string {
	if t == domain.SignalSell {
		return "\U0001F534" // red circle
	}
	return "\U0001F7E2" // green circle
}

func htmlRow(b *strings.Builder, label, value string) {
	fmt.Fprintf(b,
		`<tr><td style="padding: 4px 8px; border-bottom: 1px solid #eee;"><b>%s</b></td>`+
			`<td style="padding: 4px 8px; border-bottom: 1px solid #eee;">%s</td></tr>`,
		label, value)
}
