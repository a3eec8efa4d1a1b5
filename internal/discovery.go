package internal

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"time"
)

// Handler 側信道 HTTP 處理器
//
// 只提供唯讀查詢（健康檢查、房間探索、統計），
// 所有房間操作都走 WebSocket，不經過這裡。
type Handler struct {
	broker     *Broker
	logger     *slog.Logger
	production bool
}

// NewHandler 創建 HTTP 處理器
func NewHandler(broker *Broker, logger *slog.Logger, production bool) *Handler {
	return &Handler{
		broker:     broker,
		logger:     logger,
		production: production,
	}
}

// Routes 設定路由
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()

	// 中間件鏈
	wrap := func(handler http.HandlerFunc) http.HandlerFunc {
		return h.recoverer(h.loggerMiddleware(h.cors(handler)))
	}

	mux.HandleFunc("GET /health", wrap(h.health))
	mux.HandleFunc("GET /discover", wrap(h.discover))
	mux.HandleFunc("GET /stats", wrap(h.stats))

	return mux
}

// health 健康檢查
func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("ok")); err != nil {
		h.logger.Error("寫入健康檢查回應失敗", "error", err)
	}
}

// discover 房間探索快照（供局外輪詢，例如區網列表）
//
// 快照經由 Broker 的序列化路徑取得，不直接觸碰註冊表。
func (h *Handler) discover(w http.ResponseWriter, r *http.Request) {
	rooms, err := h.broker.RoomList(r.Context())
	if err != nil {
		h.errorResponse(w, "service unavailable", http.StatusServiceUnavailable)
		return
	}

	body := map[string]any{
		"type":      "discovery",
		"rooms":     rooms,
		"timestamp": time.Now().UnixMilli(),
	}

	// 非生產模式額外帶上區網位址，方便客戶端直連；
	// 生產模式下位址由外部負載均衡決定，不做本機解析
	if !h.production {
		if addr := firstPrivateIPv4(); addr != "" {
			body["address"] = addr
		}
	}

	h.jsonResponse(w, body, http.StatusOK)
}

// stats 運行統計
func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.broker.StatsSnapshot(r.Context())
	if err != nil {
		h.errorResponse(w, "service unavailable", http.StatusServiceUnavailable)
		return
	}
	h.jsonResponse(w, stats, http.StatusOK)
}

// firstPrivateIPv4 返回本機第一個私有 IPv4 位址
func firstPrivateIPv4() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return ""
	}
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok {
			continue
		}
		ip := ipNet.IP.To4()
		if ip != nil && ip.IsPrivate() {
			return ip.String()
		}
	}
	return ""
}

// jsonResponse 返回 JSON 響應
func (h *Handler) jsonResponse(w http.ResponseWriter, data any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("編碼 JSON 失敗", "error", err)
	}
}

// errorResponse 返回錯誤響應
func (h *Handler) errorResponse(w http.ResponseWriter, message string, status int) {
	h.jsonResponse(w, map[string]any{
		"error": message,
	}, status)
}

// cors 跨域中間件：探索端點供任意來源的客戶端輪詢
func (h *Handler) cors(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		next(w, r)
	}
}

// loggerMiddleware 日誌中間件
func (h *Handler) loggerMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := &responseWriter{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		next(ww, r)

		h.logger.Info("HTTP 請求",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.statusCode,
			"duration", time.Since(start))
	}
}

// recoverer panic 恢復中間件
func (h *Handler) recoverer(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				h.logger.Error("處理請求時發生 panic",
					"error", err,
					"method", r.Method,
					"path", r.URL.Path)

				h.errorResponse(w, "internal server error", http.StatusInternalServerError)
			}
		}()

		next(w, r)
	}
}

// responseWriter 包裝 ResponseWriter 以獲取狀態碼
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *responseWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}
