package trivia

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"html"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/victornm/etrivia/internal/domain"
	"github.com/victornm/etrivia/internal/errors"
)

const (
	defaultBaseURL       = "https://opentdb.com"
	defaultTimeout       = 5 * time.Second
	defaultMaxRetries    = 2
	defaultBackoff       = 250 * time.Millisecond
	defaultTokenTTL      = 6 * time.Hour
	defaultCategoriesTTL = time.Hour

	maxBodySize = 1 << 20
)

// Upstream response codes.
const (
	codeSuccess          = 0
	codeNoResults        = 1
	codeInvalidParameter = 2
	codeTokenNotFound    = 3
	codeTokenEmpty       = 4
	codeRateLimit        = 5
)

type Config struct {
	BaseURL       string
	HTTPClient    *http.Client
	Redis         redis.UniversalClient
	Prefix        string
	Timeout       time.Duration
	MaxRetries    int
	Backoff       time.Duration
	TokenTTL      time.Duration
	CategoriesTTL time.Duration
}

// Client fetches questions from an Open Trivia DB compatible API. Session tokens and the category list
// are cached in Redis.
type Client struct {
	baseURL       string
	http          *http.Client
	redis         redis.UniversalClient
	prefix        string
	timeout       time.Duration
	maxRetries    int
	backoff       time.Duration
	tokenTTL      time.Duration
	categoriesTTL time.Duration
}

func NewClient(c Config) *Client {
	cl := &Client{
		baseURL:       c.BaseURL,
		http:          c.HTTPClient,
		redis:         c.Redis,
		prefix:        c.Prefix,
		timeout:       c.Timeout,
		maxRetries:    c.MaxRetries,
		backoff:       c.Backoff,
		tokenTTL:      c.TokenTTL,
		categoriesTTL: c.CategoriesTTL,
	}

	if cl.baseURL == "" {
		cl.baseURL = defaultBaseURL
	}
	if cl.http == nil {
		cl.http = http.DefaultClient
	}
	if cl.timeout <= 0 {
		cl.timeout = defaultTimeout
	}
	if cl.maxRetries < 0 {
		cl.maxRetries = 0
	} else if cl.maxRetries == 0 {
		cl.maxRetries = defaultMaxRetries
	}
	if cl.backoff <= 0 {
		cl.backoff = defaultBackoff
	}
	if cl.tokenTTL <= 0 {
		cl.tokenTTL = defaultTokenTTL
	}
	if cl.categoriesTTL <= 0 {
		cl.categoriesTTL = defaultCategoriesTTL
	}

	return cl
}

type FetchRequest struct {
	Amount     int
	Difficulty domain.Difficulty
	Category   *int
	// Caller scopes the session token, so repeated fetches by the same caller avoid duplicates.
	Caller string
}

type questionsResponse struct {
	ResponseCode int `json:"response_code"`
	Results      []struct {
		Category         string   `json:"category"`
		Difficulty       string   `json:"difficulty"`
		Question         string   `json:"question"`
		CorrectAnswer    string   `json:"correct_answer"`
		IncorrectAnswers []string `json:"incorrect_answers"`
	} `json:"results"`
}

// FetchQuestions returns up to Amount questions with decoded text and freshly shuffled choices.
// An exhausted or unknown session token is dropped and the fetch is retried once without it.
func (c *Client) FetchQuestions(ctx context.Context, req FetchRequest) ([]domain.Question, error) {
	token, err := c.token(ctx, req.Caller)
	if err != nil {
		slog.WarnContext(ctx, "trivia: session token unavailable, fetching without it",
			"caller", req.Caller,
			"error", err,
		)
		token = ""
	}

	resp, err := c.fetch(ctx, req, token)
	if err != nil {
		return nil, err
	}

	if token != "" && (resp.ResponseCode == codeTokenNotFound || resp.ResponseCode == codeTokenEmpty) {
		slog.InfoContext(ctx, "trivia: session token exhausted, retrying without it",
			"caller", req.Caller,
			"response_code", resp.ResponseCode,
		)
		if err := c.dropToken(ctx, req.Caller); err != nil {
			slog.WarnContext(ctx, "trivia: drop session token failed", "error", err)
		}

		resp, err = c.fetch(ctx, req, "")
		if err != nil {
			return nil, err
		}
	}

	switch resp.ResponseCode {
	case codeSuccess:
	case codeNoResults:
		return nil, nil
	case codeInvalidParameter:
		return nil, errors.New(errors.CodeInvalidArgument,
			errors.WithMessagef("question source rejected the request: amount=%d difficulty=%s", req.Amount, req.Difficulty))
	default:
		return nil, errors.New(errors.CodeUnavailable,
			errors.WithReason(errors.ReasonUpstream),
			errors.WithMessagef("question source unavailable: response_code=%d", resp.ResponseCode))
	}

	questions := make([]domain.Question, 0, len(resp.Results))
	for _, r := range resp.Results {
		q := domain.Question{
			Prompt:        html.UnescapeString(r.Question),
			Category:      html.UnescapeString(r.Category),
			Difficulty:    domain.Difficulty(r.Difficulty),
			CorrectAnswer: html.UnescapeString(r.CorrectAnswer),
		}
		if !q.Difficulty.Valid() {
			q.Difficulty = req.Difficulty
		}
		for _, a := range r.IncorrectAnswers {
			q.IncorrectAnswers = append(q.IncorrectAnswers, html.UnescapeString(a))
		}
		q.Choices = Shuffle(q.CorrectAnswer, q.IncorrectAnswers)

		questions = append(questions, q)
	}

	return questions, nil
}

// Shuffle combines the correct answer with the distractors in a uniformly random order.
func Shuffle(correct string, incorrect []string) []string {
	choices := make([]string, 0, len(incorrect)+1)
	choices = append(choices, correct)
	choices = append(choices, incorrect...)
	rand.Shuffle(len(choices), func(i, j int) {
		choices[i], choices[j] = choices[j], choices[i]
	})
	return choices
}

func (c *Client) fetch(ctx context.Context, req FetchRequest, token string) (*questionsResponse, error) {
	q := url.Values{}
	q.Set("amount", strconv.Itoa(req.Amount))
	if req.Difficulty != "" {
		q.Set("difficulty", string(req.Difficulty))
	}
	if req.Category != nil {
		q.Set("category", strconv.Itoa(*req.Category))
	}
	if token != "" {
		q.Set("token", token)
	}

	var resp questionsResponse
	if err := c.get(ctx, "/api.php", q, &resp); err != nil {
		return nil, err
	}

	return &resp, nil
}

type tokenResponse struct {
	ResponseCode int    `json:"response_code"`
	Token        string `json:"token"`
}

func (c *Client) token(ctx context.Context, caller string) (string, error) {
	key := c.tokenKey(caller)

	token, err := c.redis.Get(ctx, key).Result()
	if err == nil {
		return token, nil
	}
	if !stderrors.Is(err, redis.Nil) {
		return "", fmt.Errorf("read cached token: %w", err)
	}

	q := url.Values{}
	q.Set("command", "request")

	var resp tokenResponse
	if err := c.get(ctx, "/api_token.php", q, &resp); err != nil {
		return "", err
	}
	if resp.ResponseCode != codeSuccess || resp.Token == "" {
		return "", fmt.Errorf("request token: response_code=%d", resp.ResponseCode)
	}

	if err := c.redis.Set(ctx, key, resp.Token, c.tokenTTL).Err(); err != nil {
		return "", fmt.Errorf("cache token: %w", err)
	}

	return resp.Token, nil
}

func (c *Client) dropToken(ctx context.Context, caller string) error {
	return c.redis.Del(ctx, c.tokenKey(caller)).Err()
}

// get performs a bounded number of attempts. Transport errors, 429 and 5xx are retried.
func (c *Client) get(ctx context.Context, path string, q url.Values, out any) error {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return errors.New(errors.CodeUnavailable,
					errors.WithReason(errors.ReasonUpstream),
					errors.WithCause(stderrors.Join(lastErr, ctx.Err())))
			case <-time.After(time.Duration(attempt) * c.backoff):
			}
		}

		retry, err := c.do(ctx, u, out)
		if err == nil {
			return nil
		}

		lastErr = err
		slog.WarnContext(ctx, "trivia: upstream call failed",
			"path", path,
			"attempt", attempt+1,
			"error", err,
		)
		if !retry {
			break
		}
	}

	return errors.New(errors.CodeUnavailable,
		errors.WithReason(errors.ReasonUpstream),
		errors.WithMessagef("question source unavailable, try again later"),
		errors.WithCause(lastErr))
}

func (c *Client) do(ctx context.Context, u string, out any) (retry bool, err error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return true, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError {
		return true, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodySize)).Decode(out); err != nil {
		return false, fmt.Errorf("decode response: %w", err)
	}

	return false, nil
}

func (c *Client) tokenKey(caller string) string {
	if caller == "" {
		caller = "anonymous"
	}
	return fmt.Sprintf("%s:trivia:token:%s", c.prefix, caller)
}
