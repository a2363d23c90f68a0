package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/victornm/etrivia/internal/errors"
	"github.com/victornm/etrivia/internal/game"
	"github.com/victornm/etrivia/internal/history"
	"github.com/victornm/etrivia/internal/leaderboard"
	"github.com/victornm/etrivia/internal/room"
	"github.com/victornm/etrivia/internal/state"
	"github.com/victornm/etrivia/internal/trivia"
)

type Config struct {
	Router      gin.IRouter
	Rooms       *room.Service
	Game        *game.Service
	State       *state.Service
	Leaderboard *leaderboard.Service
	Categories  Categories
	History     History
}

type Categories interface {
	Categories(ctx context.Context) ([]trivia.Category, error)
}

type History interface {
	ListResults(ctx context.Context, req history.ListResultsRequest) ([]history.Result, error)
}

// API serves the player-facing HTTP endpoints. Every route requires the caller identity headers.
type API struct {
	rooms       *room.Service
	game        *game.Service
	state       *state.Service
	leaderboard *leaderboard.Service
	categories  Categories
	history     History
}

func New(c Config) *API {
	a := &API{
		rooms:       c.Rooms,
		game:        c.Game,
		state:       c.State,
		leaderboard: c.Leaderboard,
		categories:  c.Categories,
		history:     c.History,
	}

	v1 := c.Router.Group("/api/v1", identify())
	v1.GET("/categories", a.ListCategories)
	v1.GET("/users/:id/history", a.ListHistory)

	rooms := v1.Group("/rooms")
	rooms.POST("", a.CreateRoom)
	rooms.POST("/:code/join", a.JoinRoom)
	rooms.POST("/:code/leave", a.LeaveRoom)
	rooms.PATCH("/:code/settings", a.UpdateSettings)
	rooms.POST("/:code/ready", a.SetReady)
	rooms.POST("/:code/start", a.StartGame)
	rooms.POST("/:code/answers", a.SubmitAnswer)
	rooms.POST("/:code/advance", a.Advance)
	rooms.POST("/:code/cancel", a.CancelGame)
	rooms.GET("/:code/state", a.GetRoomState)
	rooms.GET("/:code/leaderboard", a.GetLeaderboard)

	return a
}

func (a *API) CreateRoom(c *gin.Context) {
	var req CreateRoomRequest
	if !bind(c, &req) {
		return
	}

	r, err := a.rooms.CreateRoom(c.Request.Context(), room.CreateRoomRequest{
		Host:     caller(c),
		Capacity: req.Capacity,
		Settings: req.Settings.patch(),
	})
	if err != nil {
		renderError(c, err)
		return
	}

	c.JSON(http.StatusCreated, toRoom(r))
}

func (a *API) JoinRoom(c *gin.Context) {
	r, err := a.rooms.JoinRoom(c.Request.Context(), room.JoinRoomRequest{
		RoomCode: c.Param("code"),
		User:     caller(c),
	})
	if err != nil {
		renderError(c, err)
		return
	}

	c.JSON(http.StatusOK, toRoom(r))
}

func (a *API) LeaveRoom(c *gin.Context) {
	res, err := a.rooms.LeaveRoom(c.Request.Context(), room.LeaveRoomRequest{
		RoomCode: c.Param("code"),
		UserID:   caller(c).ID,
	})
	if err != nil {
		renderError(c, err)
		return
	}

	resp := LeaveRoomResponse{
		Purged:    res.Purged,
		Cancelled: res.Cancelled,
	}
	if !res.Purged {
		rm := toRoom(res.Room)
		resp.Room = &rm
	}

	c.JSON(http.StatusOK, resp)
}

func (a *API) UpdateSettings(c *gin.Context) {
	var req SettingsRequest
	if !bind(c, &req) {
		return
	}

	r, err := a.rooms.UpdateSettings(c.Request.Context(), room.UpdateSettingsRequest{
		RoomCode: c.Param("code"),
		UserID:   caller(c).ID,
		Patch:    req.patch(),
	})
	if err != nil {
		renderError(c, err)
		return
	}

	c.JSON(http.StatusOK, toRoom(r))
}

func (a *API) SetReady(c *gin.Context) {
	var req SetReadyRequest
	if !bind(c, &req) {
		return
	}

	ready := true
	if req.Ready != nil {
		ready = *req.Ready
	}

	r, err := a.rooms.SetReady(c.Request.Context(), room.SetReadyRequest{
		RoomCode: c.Param("code"),
		UserID:   caller(c).ID,
		Ready:    ready,
	})
	if err != nil {
		renderError(c, err)
		return
	}

	c.JSON(http.StatusOK, toRoom(r))
}

func (a *API) StartGame(c *gin.Context) {
	r, err := a.game.StartGame(c.Request.Context(), game.StartGameRequest{
		RoomCode: c.Param("code"),
		UserID:   caller(c).ID,
	})
	if err != nil {
		renderError(c, err)
		return
	}

	c.JSON(http.StatusOK, toRoom(r))
}

func (a *API) SubmitAnswer(c *gin.Context) {
	var req SubmitAnswerRequest
	if !bind(c, &req) {
		return
	}
	if req.QuestionIndex == nil {
		renderError(c, errors.New(errors.CodeInvalidArgument,
			errors.WithMessagef("question_index is required"),
			errors.WithFieldViolation("question_index", "is required")))
		return
	}

	res, err := a.game.SubmitAnswer(c.Request.Context(), game.SubmitAnswerRequest{
		RoomCode:      c.Param("code"),
		UserID:        caller(c).ID,
		QuestionIndex: *req.QuestionIndex,
		Choice:        req.Choice,
	})
	if err != nil {
		renderError(c, err)
		return
	}

	c.JSON(http.StatusCreated, SubmitAnswerResponse{
		QuestionIndex: res.Answer.QuestionIndex,
		Choice:        res.Answer.Choice,
		SubmittedAt:   res.Answer.SubmittedAt,
		ElapsedMs:     res.Answer.ElapsedMs,
		RoundClosed:   res.RoundClosed,
	})
}

func (a *API) Advance(c *gin.Context) {
	var req AdvanceRequest
	if !bind(c, &req) {
		return
	}

	r, err := a.game.Advance(c.Request.Context(), game.AdvanceRequest{
		RoomCode:      c.Param("code"),
		UserID:        caller(c).ID,
		QuestionIndex: req.QuestionIndex,
	})
	if err != nil {
		renderError(c, err)
		return
	}

	c.JSON(http.StatusOK, toRoom(r))
}

func (a *API) CancelGame(c *gin.Context) {
	r, err := a.game.CancelGame(c.Request.Context(), game.CancelGameRequest{
		RoomCode: c.Param("code"),
		UserID:   caller(c).ID,
	})
	if err != nil {
		renderError(c, err)
		return
	}

	c.JSON(http.StatusOK, toRoom(r))
}

func (a *API) GetRoomState(c *gin.Context) {
	st, err := a.state.GetRoomState(c.Request.Context(), state.GetRoomStateRequest{
		RoomCode: c.Param("code"),
		UserID:   caller(c).ID,
	})
	if err != nil {
		renderError(c, err)
		return
	}

	c.JSON(http.StatusOK, st)
}

func (a *API) GetLeaderboard(c *gin.Context) {
	l, err := a.leaderboard.GetLeaderboard(c.Request.Context(), leaderboard.GetLeaderboardRequest{
		RoomCode: c.Param("code"),
		UserID:   caller(c).ID,
	})
	if err != nil {
		renderError(c, err)
		return
	}

	c.JSON(http.StatusOK, toLeaderboard(l))
}

func (a *API) ListCategories(c *gin.Context) {
	cs, err := a.categories.Categories(c.Request.Context())
	if err != nil {
		renderError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"categories": cs})
}

func (a *API) ListHistory(c *gin.Context) {
	var limit int
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			renderError(c, errors.New(errors.CodeInvalidArgument,
				errors.WithMessagef("invalid limit %q", s),
				errors.WithFieldViolation("limit", "must be an integer")))
			return
		}
		limit = n
	}

	results, err := a.history.ListResults(c.Request.Context(), history.ListResultsRequest{
		UserID:   c.Param("id"),
		CallerID: caller(c).ID,
		Limit:    limit,
	})
	if err != nil {
		renderError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"results": results})
}
