package sentiment

import (
	"fmt"
	"strings"

	"github.com/wojtczak/sygnal/internal/domain"
)

// systemPrompt pins the assistant role. Polish keeps the model in the same
// language as the articles.
const systemPrompt = "Jesteś ekspertem analizy rynku finansowego. Zawsze odpowiadaj w poprawnym formacie JSON."

// maxBodyRunes caps the article body sent to a provider.
const maxBodyRunes = 2000

// buildPrompt renders the analysis request for one article. The universe
// list lets the model resolve company names to symbols.
func buildPrompt(article domain.NewsArticle, universe []domain.Stock) string {
	var b strings.Builder

	b.WriteString("Przeanalizuj poniższy artykuł finansowy z perspektywy inwestora giełdowego i zwróć odpowiedź wyłącznie w formacie JSON.\n\n")

	b.WriteString("ARTYKUŁ:\n")
	fmt.Fprintf(&b, "Tytuł: %s\n", article.Title)
	fmt.Fprintf(&b, "Treść: %s\n", truncateRunes(article.Body, maxBodyRunes))
	fmt.Fprintf(&b, "Źródło: %s\n\n", article.Source)

	b.WriteString("SPÓŁKI GPW:\n")
	for _, stock := range universe {
		fmt.Fprintf(&b, "- %s: %s\n", stock.Symbol, stock.Name)
	}
	b.WriteString("\n")

	b.WriteString("ZADANIA:\n")
	b.WriteString("1. Oceń ogólny sentyment artykułu w skali od -1 do 1.\n")
	b.WriteString("2. Określ pewność analizy w skali od 0 do 1.\n")
	b.WriteString("3. Oceń wpływ na rynek: minimal, low, medium, high lub very_high.\n")
	b.WriteString("4. Dla każdej spółki wymienionej w artykule podaj osobny sentyment, pewność i istotność (relevance).\n\n")

	b.WriteString("ODPOWIEDŹ (tylko JSON):\n")
	b.WriteString(`{
  "overall_sentiment": "positive|neutral|negative",
  "overall_sentiment_score": 0.7,
  "confidence_score": 0.85,
  "market_impact": "medium",
  "stock_analysis": [
    {
      "stock_symbol": "PKN",
      "sentiment_score": 0.9,
      "confidence": 0.95,
      "relevance": 0.8
    }
  ]
}
`)
	b.WriteString("\nWAŻNE: uwzględnij tylko spółki istotne dla tego artykułu.\n")

	return b.String()
}

func truncateRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
