// Package toolpack registers the corpus tools and prompts on an MCP
// server. Everything here degrades gracefully when the knowledge index is
// unavailable: the tools report the condition in-band instead of failing
// the JSON-RPC call.
package toolpack

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/corpusforge/mcp"
	"github.com/corpusforge/mcp/index"
)

const indexUnavailableMessage = "knowledge index unavailable"

// Register wires every corpus tool and prompt. cat may be nil when no
// catalog sidecar was found; the source and book tools then degrade.
func Register(s *mcp.Server, idx *index.Singleton, cat *index.Catalog) {
	s.RegisterTool(
		mcp.NewTool("ping", "Check that the server is responsive"),
		handlePing,
	)

	s.RegisterTool(
		mcp.NewTool("search_knowledge",
			"Search the knowledge corpus semantically and return the most relevant passages",
			mcp.String("query", "Natural-language search query", mcp.Required()),
			mcp.Number("k", "Number of results to return, between 1 and 50 (default 10)"),
			mcp.Object("filters", "Optional result filters",
				mcp.StringArray("source", "Restrict results to these source names"),
				mcp.String("date_from", "Earliest publication date, YYYY-MM-DD"),
				mcp.String("date_to", "Latest publication date, YYYY-MM-DD"),
			),
		),
		searchHandler(idx),
	)

	s.RegisterTool(
		mcp.NewTool("list_sources", "List the sources that make up the knowledge corpus"),
		listSourcesHandler(cat),
	)

	s.RegisterTool(
		mcp.NewTool("get_book_content",
			"Fetch the full text of a book chapter, or the table of contents when no chapter is given",
			mcp.String("book", "Book identifier as returned by list_sources", mcp.Required()),
			mcp.String("chapter", "Chapter identifier; omit to get the table of contents"),
		),
		bookContentHandler(cat),
	)

	s.RegisterPrompt("research_topic",
		"Research a topic across the knowledge corpus and synthesize the findings",
		[]mcp.PromptArgument{
			{Name: "topic", Description: "The topic to research", Required: true},
			{Name: "depth", Description: "How deep to go: overview, detailed or exhaustive", Required: false},
		},
		researchTopicPrompt,
	)

	s.RegisterPrompt("cite_sources",
		"Find corpus passages that support or contradict a claim, with citations",
		[]mcp.PromptArgument{
			{Name: "claim", Description: "The claim to verify against the corpus", Required: true},
		},
		citeSourcesPrompt,
	)
}

func handlePing(ctx context.Context, req *mcp.ToolRequest) (*mcp.ToolResponse, error) {
	return mcp.NewToolResponseText("pong"), nil
}

func searchHandler(idx *index.Singleton) mcp.ToolHandler {
	return func(ctx context.Context, req *mcp.ToolRequest) (*mcp.ToolResponse, error) {
		query, err := req.String("query")
		if err != nil {
			return nil, mcp.NewToolErrorInvalidParams(err.Error())
		}

		k := req.IntOr("k", 10)
		if k < 1 {
			return nil, mcp.NewToolErrorInvalidParams(fmt.Sprintf("k must be between 1 and %d, got %d", index.MaxResults, k))
		}
		if k > index.MaxResults {
			k = index.MaxResults
		}

		filters := parseFilters(req.ObjectOr("filters", nil))

		store, err := idx.Get(ctx)
		if err != nil {
			return nil, errors.New(indexUnavailableMessage)
		}

		results, err := store.Search(ctx, query, k, filters)
		if err != nil {
			return nil, fmt.Errorf("search failed: %w", err)
		}
		if len(results) == 0 {
			return mcp.NewToolResponseText("No matching passages found."), nil
		}
		return mcp.NewToolResponseJSON(map[string]interface{}{
			"query":   query,
			"results": results,
		}), nil
	}
}

// parseFilters maps the loosely typed filters object onto SearchFilters.
// Unknown keys inside the object were already stripped by the registry.
func parseFilters(obj map[string]interface{}) index.SearchFilters {
	var f index.SearchFilters
	if obj == nil {
		return f
	}
	if raw, ok := obj["source"].([]interface{}); ok {
		for _, v := range raw {
			if s, ok := v.(string); ok && s != "" {
				f.Sources = append(f.Sources, s)
			}
		}
	}
	if s, ok := obj["date_from"].(string); ok {
		f.DateFrom = s
	}
	if s, ok := obj["date_to"].(string); ok {
		f.DateTo = s
	}
	return f
}

func listSourcesHandler(cat *index.Catalog) mcp.ToolHandler {
	return func(ctx context.Context, req *mcp.ToolRequest) (*mcp.ToolResponse, error) {
		if cat == nil || len(cat.Sources) == 0 {
			return nil, errors.New(indexUnavailableMessage)
		}
		return mcp.NewToolResponseJSON(map[string]interface{}{
			"sources": cat.Sources,
		}), nil
	}
}

func bookContentHandler(cat *index.Catalog) mcp.ToolHandler {
	return func(ctx context.Context, req *mcp.ToolRequest) (*mcp.ToolResponse, error) {
		bookID, err := req.String("book")
		if err != nil {
			return nil, mcp.NewToolErrorInvalidParams(err.Error())
		}
		if cat == nil {
			return nil, errors.New(indexUnavailableMessage)
		}

		book, ok := cat.Book(bookID)
		if !ok {
			return nil, mcp.NewToolErrorInvalidParams(fmt.Sprintf("unknown book %q", bookID))
		}

		chapter := req.StringOr("chapter", "")
		if chapter == "" {
			return mcp.NewToolResponseJSON(map[string]interface{}{
				"book":     book.ID,
				"title":    book.Title,
				"chapters": book.Chapters,
			}), nil
		}

		text, err := cat.ChapterText(bookID, chapter)
		if err != nil {
			return nil, mcp.NewToolErrorInvalidParams(err.Error())
		}
		return mcp.NewToolResponseText(text), nil
	}
}

func researchTopicPrompt(args map[string]string) ([]mcp.PromptMessage, error) {
	topic := args["topic"]
	depth := args["depth"]
	if depth == "" {
		depth = "detailed"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Research the topic %q using the knowledge corpus.\n\n", topic)
	b.WriteString("Use the search_knowledge tool with several distinct phrasings of the topic. ")
	b.WriteString("Use list_sources to understand what material is available, and get_book_content when a passage references a chapter worth reading in full.\n\n")
	switch depth {
	case "overview":
		b.WriteString("Produce a short overview: the three to five key points, each with a one-line supporting citation.")
	case "exhaustive":
		b.WriteString("Produce an exhaustive report: cover every relevant source, quote the strongest passages verbatim, and note where sources disagree.")
	default:
		b.WriteString("Produce a detailed summary: the main arguments, supporting evidence with citations, and any open questions the corpus leaves unanswered.")
	}

	return []mcp.PromptMessage{
		{Role: "user", Content: mcp.PromptContent{Type: "text", Text: b.String()}},
	}, nil
}

func citeSourcesPrompt(args map[string]string) ([]mcp.PromptMessage, error) {
	claim := args["claim"]

	text := fmt.Sprintf(
		"Verify the following claim against the knowledge corpus:\n\n%q\n\n"+
			"Search for passages that support or contradict it. For each passage, cite the source name, title and date. "+
			"Conclude with a verdict: supported, contradicted, or not addressed by the corpus.",
		claim)

	return []mcp.PromptMessage{
		{Role: "user", Content: mcp.PromptContent{Type: "text", Text: text}},
	}, nil
}
