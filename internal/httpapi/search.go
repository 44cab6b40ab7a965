package httpapi

import (
	"net/http"
	"time"

	"recordroute/internal/vectorindex"

	"github.com/gin-gonic/gin"
)

const defaultSearchTopK = 10

func parseDateRange(c *gin.Context) *vectorindex.DateRange {
	startStr := c.Query("start")
	endStr := c.Query("end")
	if startStr == "" && endStr == "" {
		return nil
	}
	dr := &vectorindex.DateRange{}
	if startStr != "" {
		if t, err := time.Parse(time.RFC3339, startStr); err == nil {
			dr.Start = t
		}
	}
	if endStr != "" {
		if t, err := time.Parse(time.RFC3339, endStr); err == nil {
			dr.End = t
		}
	}
	return dr
}

type searchHit struct {
	RecordID        string  `json:"record_id"`
	DisplayFilename string  `json:"display_name"`
	Score           float64 `json:"score,omitempty"`
	Count           int     `json:"count,omitempty"`
}

// HandleSearch runs both a keyword count search and a vector similarity
// search (embedding the query text with the active Embedding
// collaborator) over the Vector Index and returns both result sets.
func HandleSearch(deps *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		q := c.Query("q")
		if q == "" {
			writeBadRequest(c, "missing query parameter \"q\"")
			return
		}
		dateRange := parseDateRange(c)

		keywordResults := deps.VectorIndex.KeywordSearch(q, defaultSearchTopK, dateRange)
		keywordMatches := make([]searchHit, len(keywordResults))
		for i, r := range keywordResults {
			keywordMatches[i] = searchHit{RecordID: r.RecordID, DisplayFilename: r.Meta.DisplayFilename, Count: r.Count}
		}

		var similarDocuments []searchHit
		if deps.Embedding != nil {
			vec, err := deps.Embedding.Embed(c.Request.Context(), q)
			if err == nil {
				scored := deps.VectorIndex.Search(vec, defaultSearchTopK, dateRange)
				similarDocuments = make([]searchHit, len(scored))
				for i, r := range scored {
					similarDocuments[i] = searchHit{RecordID: r.RecordID, DisplayFilename: r.Meta.DisplayFilename, Score: r.Score}
				}
			}
		}

		c.JSON(http.StatusOK, gin.H{
			"keywordMatches":   keywordMatches,
			"similarDocuments": similarDocuments,
		})
	}
}

type similarRequest struct {
	FileIdentifier string `json:"file_identifier" binding:"required"`
	Refresh        bool   `json:"refresh,omitempty"`
	UserFilename   string `json:"user_filename,omitempty"`
}

type similarResult struct {
	File         string  `json:"file"`
	Link         string  `json:"link"`
	Score        float64 `json:"score"`
	DisplayName  string  `json:"display_name"`
	TitleSummary *string `json:"title_summary,omitempty"`
}

// HandleSimilar finds records whose chunk embeddings are closest to
// file_identifier's own mean chunk vector.
func HandleSimilar(deps *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req similarRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			writeBadRequest(c, err.Error())
			return
		}

		scored, err := deps.VectorIndex.SimilarTo(req.FileIdentifier, defaultSearchTopK)
		if err != nil {
			writeError(c, err)
			return
		}

		out := make([]similarResult, len(scored))
		for i, r := range scored {
			var titleSummary *string
			var link string
			if rec, err := deps.History.Get(r.RecordID); err == nil {
				titleSummary = rec.TitleSummary
				link = "/download/" + encodeOpaque(deps.Layout, rec.SourcePath)
			}
			out[i] = similarResult{
				File:         r.RecordID,
				Link:         link,
				Score:        r.Score,
				DisplayName:  r.Meta.DisplayFilename,
				TitleSummary: titleSummary,
			}
		}
		c.JSON(http.StatusOK, out)
	}
}

// HandleModels reports the collaborator models this deployment currently
// offers, so a client can populate a model-selection dropdown without a
// second round trip into engine configuration.
func HandleModels(deps *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"models": deps.Models,
			"default": gin.H{
				"summarize": deps.DefaultSummarizeModel,
				"embedding": deps.DefaultEmbeddingModel,
			},
		})
	}
}
