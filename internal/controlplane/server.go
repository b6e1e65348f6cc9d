package controlplane

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/stellarbot/gostellar/internal/ports"
)

// ConnectionStatus 连接状态探测能力
type ConnectionStatus interface {
	Connected() bool
}

// Config 控制面配置
type Config struct {
	Listen string // 监听地址，例如 "127.0.0.1:8980"
}

// Server 连接器控制面：健康检查、在途订单查询、取消、历史流水。
// 只读 + 取消，不提供下单入口（下单属于交易路径）。
type Server struct {
	cfg      Config
	orders   ports.OrderReader
	canceler ports.OrderCanceler
	status   ConnectionStatus
	journal  *Journal

	srv *http.Server
	log *logrus.Entry
}

func NewServer(cfg Config, orders ports.OrderReader, canceler ports.OrderCanceler,
	status ConnectionStatus, journal *Journal) (*Server, error) {
	if cfg.Listen == "" {
		return nil, errors.New("controlplane: listen address is required")
	}
	s := &Server{
		cfg:      cfg,
		orders:   orders,
		canceler: canceler,
		status:   status,
		journal:  journal,
		log:      logrus.WithField("component", "controlplane"),
	}
	s.srv = &http.Server{
		Addr:              cfg.Listen,
		Handler:           s.router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s, nil
}

func (s *Server) router() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", s.handleHealth)

	api := r.Group("/api")
	api.GET("/orders", s.handleOrdersList)
	api.GET("/orders/:orderID", s.handleOrderGet)
	api.DELETE("/orders/:orderID", s.handleOrderCancel)
	api.GET("/history", s.handleHistory)
	return r
}

// Start 在后台启动 HTTP 服务
func (s *Server) Start() {
	go func() {
		s.log.Infof("control plane listening on %s", s.cfg.Listen)
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Errorf("control plane server: %v", err)
		}
	}()
}

// Shutdown 优雅关闭
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	if s.status != nil && !s.status.Connected() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "disconnected"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type orderView struct {
	OrderID string `json:"order_id"`
	Pair    string `json:"pair"`
	Side    string `json:"side"`
	Amount  string `json:"amount"`
	Price   string `json:"price"`
	Filled  string `json:"filled"`
	OfferID int64  `json:"offer_id"`
	TxHash  string `json:"tx_hash"`
	Status  string `json:"status"`
}

func (s *Server) handleOrdersList(c *gin.Context) {
	active := s.orders.ActiveOrders()
	views := make([]orderView, 0, len(active))
	for _, o := range active {
		views = append(views, orderView{
			OrderID: o.OrderID,
			Pair:    o.Pair.Symbol,
			Side:    string(o.Side),
			Amount:  o.Amount.String(),
			Price:   o.PriceDecimal.String(),
			Filled:  o.FilledAmount.String(),
			OfferID: o.OfferID,
			TxHash:  o.TxHash,
			Status:  string(o.Status),
		})
	}
	c.JSON(http.StatusOK, gin.H{"orders": views})
}

func (s *Server) handleOrderGet(c *gin.Context) {
	o, ok := s.orders.Order(c.Param("orderID"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "order not found"})
		return
	}
	c.JSON(http.StatusOK, orderView{
		OrderID: o.OrderID,
		Pair:    o.Pair.Symbol,
		Side:    string(o.Side),
		Amount:  o.Amount.String(),
		Price:   o.PriceDecimal.String(),
		Filled:  o.FilledAmount.String(),
		OfferID: o.OfferID,
		TxHash:  o.TxHash,
		Status:  string(o.Status),
	})
}

func (s *Server) handleOrderCancel(c *gin.Context) {
	cancelled, err := s.canceler.CancelOrder(c.Request.Context(), c.Param("orderID"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"cancelled": cancelled})
}

func (s *Server) handleHistory(c *gin.Context) {
	if s.journal == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "journal not configured"})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	rows, err := s.journal.History(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": rows})
}
