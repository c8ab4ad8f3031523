package news

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/wojtczak/sygnal/internal/database"
	"github.com/wojtczak/sygnal/internal/domain"
)

const articleColumns = `id, url, source, title, body, published_at, mentioned_stocks`

// ArticleRepository persists articles, classifications, and per-stock
// sentiment rows in news.db.
type ArticleRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

var _ domain.NewsStore = (*ArticleRepository)(nil)

// NewArticleRepository creates a repository over the news database.
func NewArticleRepository(db *sql.DB, log zerolog.Logger) *ArticleRepository {
	return &ArticleRepository{
		db:  db,
		log: log.With().Str("repo", "articles").Logger(),
	}
}

// InsertArticle stores an article unless its URL already exists. Returns
// false without error on a duplicate URL.
func (r *ArticleRepository) InsertArticle(article domain.NewsArticle) (bool, error) {
	if article.URL == "" {
		return false, domain.NewMalformedError("article has no URL")
	}
	if article.Title == "" {
		return false, domain.NewMalformedError("article has no title")
	}
	if article.PublishedAt.IsZero() {
		return false, domain.NewMalformedError("article has no publication time")
	}

	mentioned, err := json.Marshal(article.MentionedStocks)
	if err != nil {
		return false, fmt.Errorf("failed to encode mentioned stocks: %w", err)
	}

	res, err := r.db.Exec(`
		INSERT INTO articles (url, source, title, body, published_at, mentioned_stocks, collected_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(url) DO NOTHING`,
		article.URL,
		article.Source,
		article.Title,
		article.Body,
		article.PublishedAt.UTC().Format(time.RFC3339),
		string(mentioned),
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert article %s: %w", article.URL, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return n > 0, nil
}

// Unclassified returns up to limit articles with no classification, oldest
// first, so a backlog drains in publication order.
func (r *ArticleRepository) Unclassified(limit int) ([]domain.NewsArticle, error) {
	if limit <= 0 {
		return nil, nil
	}

	rows, err := r.db.Query(`
		SELECT `+articleColumns+` FROM articles a
		WHERE a.is_deleted = 0
		  AND NOT EXISTS (
			SELECT 1 FROM classifications c
			WHERE c.article_id = a.id AND c.is_deleted = 0
		  )
		ORDER BY a.published_at ASC
		LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query unclassified articles: %w", err)
	}
	defer rows.Close()

	return scanArticles(rows)
}

// AttachClassification stores the classification and its per-stock rows in
// one transaction. Attaching to an already-classified article, or to one
// whose per-stock entries reference unmentioned symbols, returns ErrInvariant.
func (r *ArticleRepository) AttachClassification(articleID int64, c domain.Classification) error {
	return database.WithTransaction(r.db, func(tx *sql.Tx) error {
		var mentionedJSON string
		err := tx.QueryRow(
			`SELECT mentioned_stocks FROM articles WHERE id = ? AND is_deleted = 0`,
			articleID,
		).Scan(&mentionedJSON)
		if err == sql.ErrNoRows {
			return domain.NewInvariantError(fmt.Sprintf("article %d does not exist", articleID))
		}
		if err != nil {
			return fmt.Errorf("failed to load article %d: %w", articleID, err)
		}

		var mentioned []string
		if err := json.Unmarshal([]byte(mentionedJSON), &mentioned); err != nil {
			return fmt.Errorf("failed to decode mentioned stocks for article %d: %w", articleID, err)
		}
		if err := c.Validate(mentioned); err != nil {
			return err
		}

		var already int
		err = tx.QueryRow(
			`SELECT COUNT(1) FROM classifications WHERE article_id = ? AND is_deleted = 0`,
			articleID,
		).Scan(&already)
		if err != nil {
			return fmt.Errorf("failed to check existing classification: %w", err)
		}
		if already > 0 {
			return domain.NewInvariantError(fmt.Sprintf("article %d is already classified", articleID))
		}

		classifiedAt := c.ClassifiedAt
		if classifiedAt.IsZero() {
			classifiedAt = time.Now().UTC()
		}

		_, err = tx.Exec(`
			INSERT INTO classifications (article_id, provider, overall_sentiment, overall_score, confidence, market_impact, classified_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			articleID,
			c.Provider,
			string(c.OverallSentiment),
			c.SentimentScore,
			c.Confidence,
			string(c.Impact),
			classifiedAt.UTC().Format(time.RFC3339),
		)
		if err != nil {
			return fmt.Errorf("failed to insert classification for article %d: %w", articleID, err)
		}

		for _, ps := range c.PerStock {
			_, err = tx.Exec(`
				INSERT INTO article_stocks (article_id, symbol, score, confidence, relevance)
				VALUES (?, ?, ?, ?, ?)`,
				articleID, ps.Symbol, ps.SentimentScore, ps.Confidence, ps.Relevance,
			)
			if err != nil {
				return fmt.Errorf("failed to insert per-stock sentiment %s: %w", ps.Symbol, err)
			}
		}

		return nil
	})
}

// ClassifiedSince returns classified articles with a per-stock entry for
// symbol and publication time inside (since, until], oldest first.
func (r *ArticleRepository) ClassifiedSince(symbol string, since, until time.Time) ([]domain.NewsArticle, error) {
	rows, err := r.db.Query(`
		SELECT a.id, a.url, a.source, a.title, a.body, a.published_at, a.mentioned_stocks,
		       c.provider, c.overall_sentiment, c.overall_score, c.confidence, c.market_impact, c.classified_at
		FROM articles a
		JOIN classifications c ON c.article_id = a.id AND c.is_deleted = 0
		JOIN article_stocks s ON s.article_id = a.id AND s.is_deleted = 0
		WHERE s.symbol = ? AND a.is_deleted = 0
		  AND a.published_at > ? AND a.published_at <= ?
		ORDER BY a.published_at ASC`,
		symbol,
		since.UTC().Format(time.RFC3339),
		until.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query classified articles for %s: %w", symbol, err)
	}
	defer rows.Close()

	var articles []domain.NewsArticle
	for rows.Next() {
		var (
			a             domain.NewsArticle
			c             domain.Classification
			body          sql.NullString
			publishedAt   string
			mentionedJSON string
			classifiedAt  string
		)
		err := rows.Scan(
			&a.ID, &a.URL, &a.Source, &a.Title, &body, &publishedAt, &mentionedJSON,
			&c.Provider, &c.OverallSentiment, &c.SentimentScore, &c.Confidence, &c.Impact, &classifiedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan classified article: %w", err)
		}

		a.Body = body.String
		if a.PublishedAt, err = time.Parse(time.RFC3339, publishedAt); err != nil {
			return nil, fmt.Errorf("failed to parse published_at: %w", err)
		}
		if c.ClassifiedAt, err = time.Parse(time.RFC3339, classifiedAt); err != nil {
			return nil, fmt.Errorf("failed to parse classified_at: %w", err)
		}
		if err := json.Unmarshal([]byte(mentionedJSON), &a.MentionedStocks); err != nil {
			return nil, fmt.Errorf("failed to decode mentioned stocks: %w", err)
		}

		a.Classification = &c
		articles = append(articles, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate classified articles: %w", err)
	}

	for i := range articles {
		perStock, err := r.perStock(articles[i].ID)
		if err != nil {
			return nil, err
		}
		articles[i].Classification.PerStock = perStock
	}

	return articles, nil
}

// perStock loads the per-stock sentiment rows of one article.
func (r *ArticleRepository) perStock(articleID int64) ([]domain.StockSentiment, error) {
	rows, err := r.db.Query(`
		SELECT symbol, score, confidence, relevance
		FROM article_stocks
		WHERE article_id = ? AND is_deleted = 0
		ORDER BY symbol ASC`,
		articleID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query per-stock sentiment for article %d: %w", articleID, err)
	}
	defer rows.Close()

	var entries []domain.StockSentiment
	for rows.Next() {
		var ps domain.StockSentiment
		if err := rows.Scan(&ps.Symbol, &ps.SentimentScore, &ps.Confidence, &ps.Relevance); err != nil {
			return nil, fmt.Errorf("failed to scan per-stock sentiment: %w", err)
		}
		entries = append(entries, ps)
	}
	return entries, rows.Err()
}

func scanArticles(rows *sql.Rows) ([]domain.NewsArticle, error) {
	var articles []domain.NewsArticle
	for rows.Next() {
		var (
			a             domain.NewsArticle
			body          sql.NullString
			publishedAt   string
			mentionedJSON string
		)
		err := rows.Scan(&a.ID, &a.URL, &a.Source, &a.Title, &body, &publishedAt, &mentionedJSON)
		if err != nil {
			return nil, fmt.Errorf("failed to scan article: %w", err)
		}

		a.Body = body.String
		if a.PublishedAt, err = time.Parse(time.RFC3339, publishedAt); err != nil {
			return nil, fmt.Errorf("failed to parse published_at: %w", err)
		}
		if err := json.Unmarshal([]byte(mentionedJSON), &a.MentionedStocks); err != nil {
			return nil, fmt.Errorf("failed to decode mentioned stocks: %w", err)
		}
		articles = append(articles, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate articles: %w", err)
	}
	return articles, nil
}
