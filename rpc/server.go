package rpc

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/sweatpool/sweatpool/events"
	"github.com/sweatpool/sweatpool/rpc/api"
	"github.com/sweatpool/sweatpool/service"
	"github.com/sweatpool/sweatpool/types"
)

// Server is the REST front end of the service.
type Server struct {
	s *service.Service
}

func NewServer(s *service.Service) *Server {
	return &Server{s: s}
}

// Register mounts the API routes on e.
func (r *Server) Register(e *echo.Echo) {
	v1 := e.Group("/v1")
	v1.GET("/info", r.Info)

	challenges := v1.Group("/challenges/:kind")
	challenges.GET("", r.ListChallenges)
	challenges.POST("", r.IssueChallenge)
	challenges.GET("/:id", r.GetChallenge)
	challenges.POST("/:id/registrations", r.JoinChallenge)
	challenges.GET("/:id/athletes", r.ListAthletes)
	challenges.GET("/:id/athletes/:athlete", r.GetRegistration)
	challenges.POST("/:id/athletes/:athlete/success", r.SetAthleteSucceeded)
	challenges.GET("/:id/winners", r.ListWinners)
	challenges.GET("/:id/winners/:athlete/proof", r.GetWinnerProof)
	challenges.POST("/:id/settle", r.SettleChallenge)
	challenges.GET("/:id/settlement", r.GetSettlement)

	accounts := v1.Group("/accounts/:address")
	accounts.GET("", r.GetAccount)
	accounts.POST("/deposit", r.Deposit)

	v1.GET("/events", r.ListEvents)
	v1.GET("/events/stream", r.StreamEvents)
}

func kindParam(c echo.Context) (types.Kind, error) {
	kind, err := types.ParseKind(c.Param("kind"))
	if err != nil {
		return 0, echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return kind, nil
}

func uintParam(c echo.Context, name string) (uint64, error) {
	v, err := strconv.ParseUint(c.Param(name), 10, 64)
	if err != nil {
		return 0, echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("invalid %s: %q", name, c.Param(name)))
	}
	return v, nil
}

func keyParam(c echo.Context) (types.Key, error) {
	kind, err := kindParam(c)
	if err != nil {
		return types.Key{}, err
	}
	id, err := uintParam(c, "id")
	if err != nil {
		return types.Key{}, err
	}
	return types.Key{Kind: kind, ID: id}, nil
}

func (r *Server) Info(c echo.Context) error {
	return c.JSON(http.StatusOK, api.Info{PublicKey: r.s.PublicKey()})
}

func (r *Server) IssueChallenge(c echo.Context) error {
	ctx := c.Request().Context()
	kind, err := kindParam(c)
	if err != nil {
		return err
	}
	var in api.IssueRequest
	if err := c.Bind(&in); err != nil {
		return err
	}
	params := service.ChallengeParams{
		EntryFee:   in.EntryFee,
		ExpireTime: in.ExpireTime,
		Activity:   in.Activity,
		Oracle:     in.Oracle,
	}

	var challenge *types.Challenge
	switch kind {
	case types.Segment:
		var timeToBeat time.Duration
		if timeToBeat, err = types.TimeToBeat(in.TimeToBeat); err == nil {
			challenge, err = r.s.IssueSegmentChallenge(ctx, params, in.SegmentID, timeToBeat)
		}
	case types.Distance:
		challenge, err = r.s.IssueDistanceChallenge(ctx, params, in.Distance)
	}
	if err != nil {
		return httpError(ctx, err)
	}
	return c.JSON(http.StatusCreated, api.FromChallenge(challenge))
}

func (r *Server) ListChallenges(c echo.Context) error {
	kind, err := kindParam(c)
	if err != nil {
		return err
	}
	challenges, err := r.s.Challenges(kind)
	if err != nil {
		return httpError(c.Request().Context(), err)
	}
	return c.JSON(http.StatusOK, api.FromChallenges(challenges))
}

func (r *Server) GetChallenge(c echo.Context) error {
	key, err := keyParam(c)
	if err != nil {
		return err
	}
	info, err := r.s.ChallengeInfo(key)
	if err != nil {
		return httpError(c.Request().Context(), err)
	}
	return c.JSON(http.StatusOK, api.ChallengeInfo{
		Challenge:  api.FromChallenge(info.Challenge),
		Status:     info.Status,
		Settled:    info.Settled,
		Registered: info.Registered,
		TotalFunds: info.TotalFunds,
		Escrow:     info.Escrow,
	})
}

func (r *Server) JoinChallenge(c echo.Context) error {
	ctx := c.Request().Context()
	key, err := keyParam(c)
	if err != nil {
		return err
	}
	var in api.JoinRequest
	if err := c.Bind(&in); err != nil {
		return err
	}
	reg, err := r.s.JoinChallenge(ctx, key, service.JoinRequest{
		AthleteID:     in.AthleteID,
		PayoutAddress: in.PayoutAddress,
		Paid:          in.Paid,
	})
	if err != nil {
		return httpError(ctx, err)
	}
	return c.JSON(http.StatusCreated, api.FromRegistration(reg))
}

func (r *Server) ListAthletes(c echo.Context) error {
	key, err := keyParam(c)
	if err != nil {
		return err
	}
	ids, err := r.s.AthleteIDs(key)
	if err != nil {
		return httpError(c.Request().Context(), err)
	}
	return c.JSON(http.StatusOK, api.Athletes{Athletes: nonNil(ids)})
}

func (r *Server) ListWinners(c echo.Context) error {
	key, err := keyParam(c)
	if err != nil {
		return err
	}
	ids, err := r.s.SuccessfulAthletes(key)
	if err != nil {
		return httpError(c.Request().Context(), err)
	}
	return c.JSON(http.StatusOK, api.Athletes{Athletes: nonNil(ids)})
}

func (r *Server) GetRegistration(c echo.Context) error {
	key, err := keyParam(c)
	if err != nil {
		return err
	}
	athlete, err := uintParam(c, "athlete")
	if err != nil {
		return err
	}
	reg, err := r.s.Registration(key, athlete)
	if err != nil {
		return httpError(c.Request().Context(), err)
	}
	return c.JSON(http.StatusOK, api.FromRegistration(reg))
}

func (r *Server) SetAthleteSucceeded(c echo.Context) error {
	ctx := c.Request().Context()
	key, err := keyParam(c)
	if err != nil {
		return err
	}
	athlete, err := uintParam(c, "athlete")
	if err != nil {
		return err
	}
	var in api.SignedRequest
	if err := c.Bind(&in); err != nil {
		return err
	}
	if err := r.s.SetAthleteSucceeded(ctx, key, athlete, in.Signature); err != nil {
		return httpError(ctx, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (r *Server) SettleChallenge(c echo.Context) error {
	ctx := c.Request().Context()
	key, err := keyParam(c)
	if err != nil {
		return err
	}
	var in api.SignedRequest
	if err := c.Bind(&in); err != nil {
		return err
	}
	rec, err := r.s.SettleChallenge(ctx, key, in.Signature)
	if err != nil {
		return httpError(ctx, err)
	}
	return c.JSON(http.StatusOK, api.FromSettlement(rec))
}

func (r *Server) GetSettlement(c echo.Context) error {
	key, err := keyParam(c)
	if err != nil {
		return err
	}
	rec, err := r.s.Settlement(key)
	if err != nil {
		return httpError(c.Request().Context(), err)
	}
	return c.JSON(http.StatusOK, api.FromSettlement(rec))
}

func (r *Server) GetWinnerProof(c echo.Context) error {
	key, err := keyParam(c)
	if err != nil {
		return err
	}
	athlete, err := uintParam(c, "athlete")
	if err != nil {
		return err
	}
	proof, err := r.s.WinnerProof(key, athlete)
	if err != nil {
		return httpError(c.Request().Context(), err)
	}
	return c.JSON(http.StatusOK, api.FromWinnerProof(proof))
}

func (r *Server) GetAccount(c echo.Context) error {
	address := c.Param("address")
	balance, err := r.s.Balance(address)
	if err != nil {
		return httpError(c.Request().Context(), err)
	}
	return c.JSON(http.StatusOK, api.Account{Address: address, Balance: balance})
}

func (r *Server) Deposit(c echo.Context) error {
	ctx := c.Request().Context()
	address := c.Param("address")
	var in api.DepositRequest
	if err := c.Bind(&in); err != nil {
		return err
	}
	balance, err := r.s.Deposit(ctx, address, in.Amount)
	if err != nil {
		return httpError(ctx, err)
	}
	return c.JSON(http.StatusOK, api.Account{Address: address, Balance: balance})
}

func (r *Server) ListEvents(c echo.Context) error {
	var after uint64
	var limit int
	err := echo.QueryParamsBinder(c).
		Uint64("after", &after).
		Int("limit", &limit).
		BindError()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	evs, err := r.s.Events(after, limit)
	if err != nil {
		return httpError(c.Request().Context(), err)
	}
	if evs == nil {
		evs = []events.Event{}
	}
	return c.JSON(http.StatusOK, api.Events{Events: evs})
}

func nonNil(ids []uint64) []uint64 {
	if ids == nil {
		return []uint64{}
	}
	return ids
}
