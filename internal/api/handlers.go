package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/coinpilot/coinpilot/internal/db"
	"github.com/coinpilot/coinpilot/internal/risk"
	"github.com/coinpilot/coinpilot/internal/strategy"
	"github.com/coinpilot/coinpilot/internal/trading"
)

// handleRoot identifies the service
func (s *Server) handleRoot(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"service": "coinpilot",
		"status":  "ok",
	})
}

// handleGetStatus reports engine-wide counters
func (s *Server) handleGetStatus(c *gin.Context) {
	safetyOK, safetyReason := s.safety.Check(c.Request.Context())

	c.JSON(http.StatusOK, gin.H{
		"cache":          s.cache.Stats(),
		"cache_hit_rate": s.cache.Stats().HitRate(),
		"bus":            s.events.Stats(),
		"watchers":       s.monitor.ActiveWatchers(),
		"trading_ok":     safetyOK,
		"trading_block":  safetyReason,
	})
}

// handleGetHealth aggregates dependency health
func (s *Server) handleGetHealth(c *gin.Context) {
	ctx := c.Request.Context()
	status := http.StatusOK
	checks := gin.H{}

	if err := s.store.Health(ctx); err != nil {
		checks["store"] = err.Error()
		status = http.StatusServiceUnavailable
	} else {
		checks["store"] = "ok"
	}

	if err := s.events.Health(); err != nil {
		checks["bus"] = err.Error()
		status = http.StatusServiceUnavailable
	} else {
		checks["bus"] = "ok"
	}

	c.JSON(status, checks)
}

// botRequest is the create/update payload
type botRequest struct {
	Name                string                       `json:"name"`
	Pair                string                       `json:"pair"`
	PositionSizeUSD     float64                      `json:"position_size_usd"`
	ConfirmationSeconds *int                         `json:"confirmation_seconds,omitempty"`
	CooldownSeconds     *int                         `json:"cooldown_seconds,omitempty"`
	BuyThreshold        *float64                     `json:"buy_threshold,omitempty"`
	SellThreshold       *float64                     `json:"sell_threshold,omitempty"`
	SkipOnLowBalance    *bool                        `json:"skip_on_low_balance,omitempty"`
	Signals             map[string]db.SignalSettings `json:"signals"`
}

// signalConfig converts the request signal map to the store type
func (r *botRequest) signalConfig() db.SignalConfig {
	cfg := make(db.SignalConfig, len(r.Signals))
	for name, settings := range r.Signals {
		cfg[db.SignalKind(name)] = settings
	}
	return cfg
}

// handleCreateBot persists a new bot
func (s *Server) handleCreateBot(c *gin.Context) {
	var req botRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Name == "" || req.Pair == "" || req.PositionSizeUSD <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name, pair and a positive position_size_usd are required"})
		return
	}

	cfg := req.signalConfig()
	if cfg.EnabledWeightSum() > 1.0+1e-9 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "enabled signal weights must sum to <= 1.0"})
		return
	}

	bot := &db.Bot{
		Name:                req.Name,
		Pair:                req.Pair,
		SignalConfig:        cfg,
		ConfirmationSeconds: 300,
		CooldownSeconds:     900,
		PositionSizeUSD:     req.PositionSizeUSD,
		BuyThreshold:        req.BuyThreshold,
		SellThreshold:       req.SellThreshold,
		SkipOnLowBalance:    true,
	}
	if req.ConfirmationSeconds != nil {
		bot.ConfirmationSeconds = *req.ConfirmationSeconds
	}
	if req.CooldownSeconds != nil {
		bot.CooldownSeconds = *req.CooldownSeconds
	}
	if req.SkipOnLowBalance != nil {
		bot.SkipOnLowBalance = *req.SkipOnLowBalance
	}

	if err := s.store.CreateBot(c.Request.Context(), bot); err != nil {
		if errors.Is(err, db.ErrDuplicateBot) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, bot)
}

// handleListBots returns all bots
func (s *Server) handleListBots(c *gin.Context) {
	bots, err := s.store.ListBots(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"bots": bots})
}

// handleGetBot returns one bot
func (s *Server) handleGetBot(c *gin.Context) {
	bot, ok := s.botFromParam(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, bot)
}

// handleUpdateBot applies a config patch
func (s *Server) handleUpdateBot(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid bot id"})
		return
	}

	var req botRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	patch := &db.BotPatch{
		ConfirmationSeconds: req.ConfirmationSeconds,
		CooldownSeconds:     req.CooldownSeconds,
		BuyThreshold:        req.BuyThreshold,
		SellThreshold:       req.SellThreshold,
		SkipOnLowBalance:    req.SkipOnLowBalance,
	}
	if req.Name != "" {
		patch.Name = &req.Name
	}
	if req.PositionSizeUSD > 0 {
		patch.PositionSizeUSD = &req.PositionSizeUSD
	}
	if req.Signals != nil {
		cfg := req.signalConfig()
		patch.SignalConfig = &cfg
	}

	bot, err := s.store.UpdateBot(c.Request.Context(), id, patch)
	if err != nil {
		switch {
		case errors.Is(err, db.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "bot not found"})
		case errors.Is(err, db.ErrDuplicateBot):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		}
		return
	}
	c.JSON(http.StatusOK, bot)
}

// handleStartBot transitions a bot to RUNNING
func (s *Server) handleStartBot(c *gin.Context) {
	s.setBotState(c, db.BotStateRunning)
}

// handleStopBot transitions a bot to STOPPED
func (s *Server) handleStopBot(c *gin.Context) {
	s.setBotState(c, db.BotStateStopped)
}

// setBotState applies a lifecycle transition from a handler
func (s *Server) setBotState(c *gin.Context, state db.BotState) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid bot id"})
		return
	}
	if err := s.store.SetBotState(c.Request.Context(), id, state); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "bot not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "state": state})
}

// handleGetBotStatus returns a fresh evaluation snapshot and the
// current gating reason, never a cached DB field
func (s *Server) handleGetBotStatus(c *gin.Context) {
	bot, ok := s.botFromParam(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	snapshot, err := s.evaluator.Preview(ctx, bot)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"bot":        bot,
		"evaluation": snapshot,
		"gating":     s.gatingReason(c, bot),
	})
}

// gatingReason reproduces the decider's reason codes for display
func (s *Server) gatingReason(c *gin.Context, bot *db.Bot) string {
	ctx := c.Request.Context()

	if bot.State != db.BotStateRunning {
		return trading.ReasonBotNotRunning
	}
	if ok, reason := s.safety.Check(ctx); !ok {
		return reason
	}
	if pending, err := s.store.PendingTradeCount(ctx, bot.TriggeredBy()); err == nil && pending > 0 {
		return trading.ReasonPendingOrderExists
	}
	if last, err := s.store.LastCompletedTrade(ctx, bot.TriggeredBy()); err == nil && last.FilledAt != nil {
		cooldown := time.Duration(bot.CooldownSeconds) * time.Second
		if time.Since(*last.FilledAt) < cooldown {
			return trading.ReasonCooldownActive
		}
	}
	if bot.ConfirmationStartAt != nil {
		return "confirming"
	}
	return ""
}

// handleGetBotHistory returns recent signal evaluations
func (s *Server) handleGetBotHistory(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid bot id"})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))

	evals, err := s.store.ListEvaluations(c.Request.Context(), id, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"evaluations": evals})
}

// handleImportBots creates bots from a YAML definition document
func (s *Server) handleImportBots(c *gin.Context) {
	data, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	file, err := strategy.Parse(data)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	created := make([]*db.Bot, 0, len(file.Bots))
	for _, def := range file.Bots {
		bot := def.ToBot()
		if err := s.store.CreateBot(c.Request.Context(), bot); err != nil {
			c.JSON(http.StatusConflict, gin.H{
				"error":   err.Error(),
				"created": created,
			})
			return
		}
		created = append(created, bot)
	}
	c.JSON(http.StatusCreated, gin.H{"created": created})
}

// handleExportBots renders all bots as a YAML definition document
func (s *Server) handleExportBots(c *gin.Context) {
	bots, err := s.store.ListBots(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	data, err := strategy.Export(bots)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Data(http.StatusOK, "application/yaml", data)
}

// handleGetPortfolio returns ledger totals
func (s *Server) handleGetPortfolio(c *gin.Context) {
	totals, err := s.ledger.Totals(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, totals)
}

// handleGetPosition returns the derived position for one pair
func (s *Server) handleGetPosition(c *gin.Context) {
	pos, err := s.ledger.Position(c.Request.Context(), c.Param("pair"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, pos)
}

// handleValidatePortfolio cross-checks the ledger against known deposits
func (s *Server) handleValidatePortfolio(c *gin.Context) {
	deposits, err := strconv.ParseFloat(c.Query("known_deposits_usd"), 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "known_deposits_usd is required"})
		return
	}

	verdict, err := s.ledger.Validate(c.Request.Context(), deposits)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data_integrity": verdict})
}

// handleListTrades returns trades matching the query filters
func (s *Server) handleListTrades(c *gin.Context) {
	filter := db.TradeFilter{
		TriggeredBy: c.Query("triggered_by"),
		ProductID:   c.Query("product_id"),
		Status:      db.TradeStatus(c.Query("status")),
	}
	if since := c.Query("since"); since != "" {
		if t, err := time.Parse(time.RFC3339, since); err == nil {
			filter.Since = t
		}
	}
	if until := c.Query("until"); until != "" {
		if t, err := time.Parse(time.RFC3339, until); err == nil {
			filter.Until = t
		}
	}
	filter.Limit, _ = strconv.Atoi(c.DefaultQuery("limit", "100"))

	trades, err := s.store.ListTrades(c.Request.Context(), filter)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"trades": trades})
}

// handleEmergencyStop raises the global safety flag and aborts
// in-flight monitors
func (s *Server) handleEmergencyStop(c *gin.Context) {
	if err := s.safety.EmergencyStop(c.Request.Context()); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	s.monitor.AbortAll()

	log.Warn().Str("client_ip", c.ClientIP()).Msg("Emergency stop triggered via API")
	c.JSON(http.StatusOK, gin.H{"status": risk.ReasonEmergencyStop})
}

// handleResumeTrading clears the emergency stop
func (s *Server) handleResumeTrading(c *gin.Context) {
	if err := s.safety.Resume(c.Request.Context()); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "resumed"})
}

// botFromParam loads the bot named by the :id param, writing the error
// response on failure
func (s *Server) botFromParam(c *gin.Context) (*db.Bot, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid bot id"})
		return nil, false
	}
	bot, err := s.store.GetBot(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "bot not found"})
			return nil, false
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return nil, false
	}
	return bot, true
}
