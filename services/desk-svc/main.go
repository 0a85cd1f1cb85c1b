package main

import (
	"context"
	"errors"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/app/server"
	prom "github.com/hertz-contrib/monitor-prometheus"
	"go.uber.org/zap"

	"github.com/staffdesk/staffdesk/internal/common"
	"github.com/staffdesk/staffdesk/internal/desk"
	"github.com/staffdesk/staffdesk/internal/observability"
	"github.com/staffdesk/staffdesk/internal/ticket"
)

const notFoundMsg = "not found"
const badRequestMsg = "bad request"

var errInternal = errors.New("internal error")

// path constants (avoid duplication)
const (
	pathTickets       = "/v1/tickets"
	pathTicketID      = "/v1/tickets/:userid"
	pathTicketJoin    = "/v1/tickets/:userid/join"
	pathTicketLeave   = "/v1/tickets/:userid/leave"
	pathTicketMessage = "/v1/tickets/:userid/message"
	pathTicketClose   = "/v1/tickets/:userid/close"
	pathTicketForfeit = "/v1/tickets/:userid/forfeit"
	pathBans          = "/v1/bans"
	pathBanID         = "/v1/bans/:userid"
	pathNotifications = "/v1/staff/:userid/notifications"
	pathStats         = "/v1/stats/:month"
)

var promOnce sync.Once

func main() {
	cfg := common.LoadConfig()
	h, d, err := BuildServer(cfg)
	if err != nil {
		log.Fatalf("desk-svc startup: %v", err)
	}
	log.Printf("desk-svc listening on %s", getAddr(cfg))
	h.Spin()
	if err := d.Shutdown(); err != nil {
		log.Fatalf("desk-svc shutdown: %v", err)
	}
}

func getAddr(cfg *common.Config) string {
	if cfg.HTTPAddr != "" {
		return cfg.HTTPAddr
	}
	if v := os.Getenv("DESK_ADDR"); v != "" {
		return v
	}
	return ":8081"
}

// logNotifier is the default opaque delivery sink: notifications land in the
// structured log. Real-time push transports plug in behind the same
// interface.
type logNotifier struct{ log *zap.Logger }

func (n logNotifier) Notify(audience, message string) {
	n.log.Info("notify", zap.String("audience", audience), zap.String("message", message))
}

// BuildServer assembles the desk and the Hertz server for reuse in tests.
func BuildServer(cfg *common.Config) (*server.Hertz, *desk.Desk, error) {
	common.InitLogger()
	pol, err := common.LoadPolicy(cfg.PolicyFile)
	if err != nil {
		return nil, nil, err
	}
	d, err := desk.New(desk.Options{
		SnapshotPath: filepath.Join(cfg.DataDir, "tickets.json"),
		StatsDir:     cfg.StatsDir,
		Policy:       pol,
		Directory:    desk.NewStaticDirectory(pol.Staff),
		Notifier:     logNotifier{log: common.Logger},
		HotReload:    cfg.HotReload,
		Logger:       common.Logger,
	})
	if err != nil {
		return nil, nil, err
	}
	observability.InitMetrics(cfg.MetricsAddr, common.Logger)

	var h *server.Hertz
	promOnce.Do(func() {
		// first server wires the prometheus tracer; disable via env for tests
		if os.Getenv("PROM_DISABLE") == "1" {
			h = server.Default(server.WithHostPorts(getAddr(cfg)))
		} else {
			h = server.Default(
				server.WithHostPorts(getAddr(cfg)),
				server.WithTracer(prom.NewServerTracer(":9100", "/metrics", prom.WithEnableGoCollector(true))),
			)
		}
	})
	if h == nil { // subsequent builds without the tracer to avoid duplicate /metrics
		h = server.Default(server.WithHostPorts(getAddr(cfg)))
	}
	for _, m := range common.Middlewares() {
		h.Use(m)
	}
	h.Use(func(c context.Context, ctx *app.RequestContext) {
		ctx.Response.Header.Set("X-StaffDesk-Project", common.ProjectName)
		ctx.Response.Header.Set("X-StaffDesk-Version", common.ProjectVersion)
		ctx.Next(c)
	})
	h.Use(func(c context.Context, ctx *app.RequestContext) {
		start := time.Now()
		ctx.Next(c)
		var opErr error
		if ctx.Response.StatusCode() >= 500 {
			opErr = errInternal
		}
		observability.ObserveOp(string(ctx.Method())+" "+ctx.FullPath(), opErr, start)
	})
	h.GET("/metrics/domain", func(c context.Context, ctx *app.RequestContext) {
		ctx.Response.Header.Set("Content-Type", "text/plain; charset=utf-8")
		ctx.Write([]byte(observability.Snapshot()))
	})
	registerHealthRoutes(h)
	registerTicketRoutes(h, d)
	registerBanRoutes(h, d)
	registerStaffRoutes(h, d)
	registerStatsRoutes(h, d)
	return h, d, nil
}

func registerHealthRoutes(h *server.Hertz) {
	h.GET("/health", func(c context.Context, ctx *app.RequestContext) {
		ctx.JSON(200, map[string]any{"status": "ok"})
	})
	h.GET("/ready", func(c context.Context, ctx *app.RequestContext) {
		ctx.JSON(200, map[string]any{"status": "ready", "backend": "memory"})
	})
}

// ticketView is the HTTP shape of a live ticket.
type ticketView struct {
	UserID    string   `json:"user_id"`
	Creator   string   `json:"creator"`
	Type      string   `json:"type"`
	Open      bool     `json:"open"`
	Active    bool     `json:"active"`
	Claimed   string   `json:"claimed,omitempty"`
	Queue     []string `json:"queue,omitempty"`
	Urgent    bool     `json:"urgent,omitempty"`
	Offline   bool     `json:"offline,omitempty"`
	CreatedAt int64    `json:"created_at"`
}

func viewOf(t *ticket.Ticket) ticketView {
	rec := t.Record()
	return ticketView{
		UserID:    rec.UserID,
		Creator:   rec.Creator,
		Type:      string(rec.Type),
		Open:      rec.Open,
		Active:    rec.Active,
		Claimed:   rec.Claimed,
		Queue:     t.Queue(),
		Urgent:    ticket.Urgent(rec.Type),
		Offline:   rec.Offline,
		CreatedAt: rec.Created,
	}
}

func writeDeskError(c context.Context, ctx *app.RequestContext, err error) {
	if rej, ok := err.(*desk.Rejection); ok {
		common.WriteError(c, ctx, 0, rej.Code, rej.Msg)
		return
	}
	common.WriteError(c, ctx, 500, common.ErrCodeInternal, "internal error")
}

func registerTicketRoutes(h *server.Hertz, d *desk.Desk) {
	h.POST(pathTickets, func(c context.Context, ctx *app.RequestContext) {
		var req struct {
			UserID  string `json:"user_id"`
			Creator string `json:"creator"`
			Type    string `json:"type"`
			IP      string `json:"ip"`
		}
		if err := ctx.Bind(&req); err != nil || req.UserID == "" {
			common.WriteError(c, ctx, 400, common.ErrCodeBadRequest, badRequestMsg)
			return
		}
		if req.Creator == "" {
			req.Creator = req.UserID
		}
		t, err := d.Create(req.UserID, req.Creator, ticket.IssueType(req.Type), req.IP)
		if err != nil {
			writeDeskError(c, ctx, err)
			return
		}
		ctx.JSON(201, viewOf(t))
	})

	h.GET(pathTickets, func(c context.Context, ctx *app.RequestContext) {
		views := []ticketView{}
		for _, t := range d.List() {
			views = append(views, viewOf(t))
		}
		ctx.JSON(200, views)
	})

	h.GET(pathTicketID, func(c context.Context, ctx *app.RequestContext) {
		t, ok := d.Get(string(ctx.Param("userid")))
		if !ok {
			common.WriteError(c, ctx, 404, common.ErrCodeNotFound, notFoundMsg)
			return
		}
		ctx.JSON(200, viewOf(t))
	})

	h.POST(pathTicketJoin, func(c context.Context, ctx *app.RequestContext) {
		roomEvent(c, ctx, d.Join)
	})
	h.POST(pathTicketLeave, func(c context.Context, ctx *app.RequestContext) {
		roomEvent(c, ctx, d.Leave)
	})

	h.POST(pathTicketMessage, func(c context.Context, ctx *app.RequestContext) {
		id := string(ctx.Param("userid"))
		var req struct {
			User string `json:"user"`
			Text string `json:"text"`
		}
		if err := ctx.Bind(&req); err != nil || req.User == "" {
			common.WriteError(c, ctx, 400, common.ErrCodeBadRequest, badRequestMsg)
			return
		}
		v, err := d.Message(id, req.User, req.Text)
		if err != nil {
			writeDeskError(c, ctx, err)
			return
		}
		resp := map[string]any{"activated": v == ticket.MsgActivated}
		if v == ticket.MsgBoilerplate {
			resp["prompt"] = desk.BoilerplatePrompt
		}
		ctx.JSON(200, resp)
	})

	h.PUT(pathTicketClose, func(c context.Context, ctx *app.RequestContext) {
		id := string(ctx.Param("userid"))
		var req struct {
			By     string `json:"by"`
			Result bool   `json:"result"`
		}
		if b := ctx.Request.Body(); len(b) > 0 {
			_ = ctx.Bind(&req)
		}
		if err := d.Close(id, req.By, req.Result); err != nil {
			writeDeskError(c, ctx, err)
			return
		}
		ctx.JSON(200, map[string]any{"closed": true})
	})

	h.POST(pathTicketForfeit, func(c context.Context, ctx *app.RequestContext) {
		id := string(ctx.Param("userid"))
		if err := d.Forfeit(id); err != nil {
			writeDeskError(c, ctx, err)
			return
		}
		ctx.JSON(200, map[string]any{"closed": true})
	})

	h.DELETE(pathTicketID, func(c context.Context, ctx *app.RequestContext) {
		id := string(ctx.Param("userid"))
		by := string(ctx.Query("by"))
		if err := d.Delete(id, by); err != nil {
			writeDeskError(c, ctx, err)
			return
		}
		ctx.JSON(204, nil)
	})
}

func roomEvent(c context.Context, ctx *app.RequestContext, fn func(userID, who string) error) {
	id := string(ctx.Param("userid"))
	var req struct {
		User string `json:"user"`
	}
	if err := ctx.Bind(&req); err != nil || req.User == "" {
		common.WriteError(c, ctx, 400, common.ErrCodeBadRequest, badRequestMsg)
		return
	}
	if err := fn(id, req.User); err != nil {
		writeDeskError(c, ctx, err)
		return
	}
	ctx.JSON(200, map[string]any{"ok": true})
}

func registerBanRoutes(h *server.Hertz, d *desk.Desk) {
	h.POST(pathBans, func(c context.Context, ctx *app.RequestContext) {
		var req struct {
			UserID string `json:"user_id"`
			By     string `json:"by"`
			Reason string `json:"reason"`
		}
		if err := ctx.Bind(&req); err != nil || req.UserID == "" {
			common.WriteError(c, ctx, 400, common.ErrCodeBadRequest, badRequestMsg)
			return
		}
		if err := d.Ban(req.UserID, req.By, req.Reason); err != nil {
			writeDeskError(c, ctx, err)
			return
		}
		ctx.JSON(201, map[string]any{"banned": req.UserID})
	})
	h.DELETE(pathBanID, func(c context.Context, ctx *app.RequestContext) {
		if err := d.Unban(string(ctx.Param("userid"))); err != nil {
			writeDeskError(c, ctx, err)
			return
		}
		ctx.JSON(204, nil)
	})
}

func registerStaffRoutes(h *server.Hertz, d *desk.Desk) {
	h.PUT(pathNotifications, func(c context.Context, ctx *app.RequestContext) {
		disabled := d.ToggleNotifications(string(ctx.Param("userid")))
		ctx.JSON(200, map[string]any{"notifications_disabled": disabled})
	})
}

func registerStatsRoutes(h *server.Hertz, d *desk.Desk) {
	h.GET(pathStats, func(c context.Context, ctx *app.RequestContext) {
		month := string(ctx.Param("month"))
		table := string(ctx.Query("table"))
		sortCol := string(ctx.Query("sort"))
		rows, err := d.StatsMonth(month, table, sortCol)
		if err != nil {
			common.WriteError(c, ctx, 500, common.ErrCodeInternal, "stats read failed")
			return
		}
		ctx.JSON(200, map[string]any{"month": month, "rows": rows})
	})
}
