package trivia

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/redis/go-redis/v9"
)

type Category struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

// fallbackCategories is served when the upstream category list cannot be reached.
var fallbackCategories = []Category{
	{ID: 9, Name: "General Knowledge"},
	{ID: 10, Name: "Entertainment: Books"},
	{ID: 11, Name: "Entertainment: Film"},
	{ID: 12, Name: "Entertainment: Music"},
	{ID: 14, Name: "Entertainment: Television"},
	{ID: 15, Name: "Entertainment: Video Games"},
	{ID: 17, Name: "Science & Nature"},
	{ID: 18, Name: "Science: Computers"},
	{ID: 19, Name: "Science: Mathematics"},
	{ID: 21, Name: "Sports"},
	{ID: 22, Name: "Geography"},
	{ID: 23, Name: "History"},
	{ID: 27, Name: "Animals"},
}

type categoriesResponse struct {
	Categories []Category `json:"trivia_categories"`
}

// Categories returns the upstream category list, cached for CategoriesTTL.
func (c *Client) Categories(ctx context.Context) ([]Category, error) {
	key := c.categoriesKey()

	b, err := c.redis.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var cached []Category
		if err := json.Unmarshal(b, &cached); err == nil {
			return cached, nil
		}
		slog.WarnContext(ctx, "trivia: drop corrupted category cache", "error", err)
	case !stderrors.Is(err, redis.Nil):
		slog.WarnContext(ctx, "trivia: read category cache failed", "error", err)
	}

	var resp categoriesResponse
	if err := c.get(ctx, "/api_category.php", nil, &resp); err != nil || len(resp.Categories) == 0 {
		slog.WarnContext(ctx, "trivia: serving fallback categories", "error", err)
		return slices.Clone(fallbackCategories), nil
	}

	slices.SortFunc(resp.Categories, func(a, b Category) int { return a.ID - b.ID })

	b, err = json.Marshal(resp.Categories)
	if err != nil {
		return nil, fmt.Errorf("trivia: marshal categories: %w", err)
	}
	if err := c.redis.Set(ctx, key, b, c.categoriesTTL).Err(); err != nil {
		slog.WarnContext(ctx, "trivia: cache categories failed", "error", err)
	}

	return resp.Categories, nil
}

func (c *Client) categoriesKey() string {
	return fmt.Sprintf("%s:trivia:categories", c.prefix)
}
