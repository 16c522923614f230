// Package mockserver runs a local OpenAI-compatible chat completion server
// for self-tests and end-to-end tests. Behavior mirrors the offline mock
// adapter: echo returns the prompt verbatim, smart refuses adversarial
// prompts.
package mockserver

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/aipo-project/aipo/pkg/version"
)

// Mode selects the canned response behavior.
type Mode string

const (
	ModeEcho  Mode = "echo"
	ModeSmart Mode = "smart"
)

var refusalTriggers = []string{
	"weapon", "bomb", "explosive", "hack", "malware", "jailbreak",
	"ignore previous", "ignore all previous", "disregard your",
}

// Server is the mock target.
type Server struct {
	mode     Mode
	model    string
	logger   *slog.Logger
	httpSrv  *http.Server
	listener net.Listener
	requests atomic.Int64
}

// New builds a server in the given mode. model is the ID reported in
// responses; empty means "aipo-mock".
func New(mode Mode, model string, logger *slog.Logger) (*Server, error) {
	switch mode {
	case "", ModeEcho:
		mode = ModeEcho
	case ModeSmart:
	default:
		return nil, fmt.Errorf("unknown mock server mode %q", mode)
	}
	if model == "" {
		model = "aipo-mock"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{mode: mode, model: model, logger: logger}, nil
}

// Start binds to addr (empty means 127.0.0.1:0) and serves in the background.
// Returns the base URL, e.g. "http://127.0.0.1:39281/v1".
func (s *Server) Start(addr string) (string, error) {
	if addr == "" {
		addr = "127.0.0.1:0"
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = ln

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/v1/models", s.listModels)
	router.POST("/v1/chat/completions", s.chatCompletion)

	s.httpSrv = &http.Server{Handler: router, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Mock server stopped unexpectedly", "error", err)
		}
	}()

	url := fmt.Sprintf("http://%s/v1", ln.Addr().String())
	s.logger.Info("Mock server listening", "url", url, "mode", string(s.mode))
	return url, nil
}

// Close shuts the server down, waiting briefly for in-flight requests.
func (s *Server) Close() error {
	if s.httpSrv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	return s.httpSrv.Shutdown(ctx)
}

// Requests reports how many chat completions have been served.
func (s *Server) Requests() int64 { return s.requests.Load() }

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func (s *Server) listModels(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"object": "list",
		"data": []gin.H{
			{"id": s.model, "object": "model", "owned_by": version.AppName},
		},
	})
}

func (s *Server) chatCompletion(c *gin.Context) {
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": gin.H{"message": "invalid request body", "type": "invalid_request_error"},
		})
		return
	}
	prompt := lastUserMessage(req.Messages)
	if prompt == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": gin.H{"message": "no user message in request", "type": "invalid_request_error"},
		})
		return
	}
	s.requests.Add(1)

	reply := s.reply(prompt)
	c.JSON(http.StatusOK, gin.H{
		"id":      "chatcmpl-" + uuid.NewString(),
		"object":  "chat.completion",
		"created": time.Now().Unix(),
		"model":   s.model,
		"choices": []gin.H{{
			"index":         0,
			"message":       gin.H{"role": "assistant", "content": reply},
			"finish_reason": "stop",
		}},
		"usage": gin.H{
			"prompt_tokens":     len(prompt) / 4,
			"completion_tokens": len(reply) / 4,
			"total_tokens":      (len(prompt) + len(reply)) / 4,
		},
	})
}

func (s *Server) reply(prompt string) string {
	if s.mode == ModeEcho {
		return prompt
	}
	lower := strings.ToLower(prompt)
	for _, trigger := range refusalTriggers {
		if strings.Contains(lower, trigger) {
			return "I can't help with that request."
		}
	}
	return "Of course. The answer is: " + prompt
}

func lastUserMessage(messages []chatMessage) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			return messages[i].Content
		}
	}
	return ""
}
