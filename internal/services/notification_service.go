package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	neturl "net/url"
	"regexp"
	"strings"
	"sync"
	"text/template"
	"time"

	"github.com/containrrr/shoutrrr"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
	"gorm.io/gorm"

	"github.com/Wikid82/warden/internal/config"
	"github.com/Wikid82/warden/internal/logger"
	"github.com/Wikid82/warden/internal/metrics"
	"github.com/Wikid82/warden/internal/models"
	"github.com/Wikid82/warden/internal/version"
)

var (
	// ErrThrottled is returned when a destination exceeded its delivery rate.
	ErrThrottled = errors.New("notification throttled")
	// ErrFiltered is returned when the provider does not accept the alert level.
	ErrFiltered = errors.New("notification filtered by provider level")
)

// Message is a rendered notification.
type Message struct {
	Title     string
	Body      string
	Level     models.AlertLevel
	Component string
	Type      string
	AlertID   string
	Metadata  map[string]interface{}
}

// Notifier delivers a message to a named destination.
type Notifier interface {
	Notify(ctx context.Context, destination string, msg Message) error
}

// NotificationService resolves destinations to NotificationProviders and
// delivers through shoutrrr URLs or JSON webhooks.
type NotificationService struct {
	DB    *gorm.DB
	cfg   config.NotifyConfig
	clock Clock
	log   *logrus.Entry

	mu       sync.Mutex
	limiters map[string]*rate.Limiter

	// send delivers to a shoutrrr URL; replaced in tests.
	send func(url, message string) error
}

func NewNotificationService(db *gorm.DB, cfg config.NotifyConfig, clock Clock) *NotificationService {
	if clock == nil {
		clock = SystemClock()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &NotificationService{
		DB:       db,
		cfg:      cfg,
		clock:    clock,
		log:      logger.Component("notifier"),
		limiters: map[string]*rate.Limiter{},
		send: func(url, message string) error {
			return shoutrrr.Send(url, message)
		},
	}
}

var discordWebhookRegex = regexp.MustCompile(`^https://discord(?:app)?\.com/api/webhooks/(\d+)/([a-zA-Z0-9_-]+)`)

func normalizeURL(serviceType, rawURL string) string {
	if serviceType == "discord" {
		matches := discordWebhookRegex.FindStringSubmatch(rawURL)
		if len(matches) == 3 {
			id := matches[1]
			token := matches[2]
			return fmt.Sprintf("discord://%s@%s", token, id)
		}
	}
	return rawURL
}

func (s *NotificationService) limiter(destination string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.limiters[destination]
	if !ok {
		r := rate.Limit(s.cfg.RatePerSecond)
		if s.cfg.RatePerSecond <= 0 {
			r = rate.Inf
		}
		burst := s.cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		l = rate.NewLimiter(r, burst)
		s.limiters[destination] = l
	}
	return l
}

// Notify delivers msg to the enabled provider named destination.
func (s *NotificationService) Notify(ctx context.Context, destination string, msg Message) error {
	var p models.NotificationProvider
	if err := s.DB.WithContext(ctx).Where("name = ? AND enabled = ?", destination, true).First(&p).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("destination %q: %w", destination, ErrNotFound)
		}
		return fmt.Errorf("destination %q: %w", destination, err)
	}
	if !p.Accepts(msg.Level) {
		return ErrFiltered
	}
	if !s.limiter(destination).AllowN(s.clock.Now(), 1) {
		metrics.IncNotification("throttled")
		return fmt.Errorf("destination %q: %w", destination, ErrThrottled)
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()
	err := s.deliver(ctx, p, msg)
	if err != nil {
		metrics.IncNotification("failed")
		s.log.WithError(err).WithField("provider", p.Name).Warn("notification failed")
		return err
	}
	metrics.IncNotification("sent")
	return nil
}

func (s *NotificationService) deliver(ctx context.Context, p models.NotificationProvider, msg Message) error {
	if p.Type == "webhook" {
		return s.sendCustomWebhook(ctx, p, s.templateData(msg))
	}
	url := normalizeURL(p.Type, p.URL)
	// Validate HTTP/HTTPS destinations used by shoutrrr to reduce SSRF risk
	if strings.HasPrefix(url, "http://") || strings.HasPrefix(url, "https://") {
		if _, err := validateWebhookURL(url); err != nil {
			return fmt.Errorf("invalid destination for provider %s: %w", p.Name, err)
		}
	}
	// Use newline for better formatting in chat apps
	return s.send(url, fmt.Sprintf("%s\n\n%s", msg.Title, msg.Body))
}

func (s *NotificationService) templateData(msg Message) map[string]interface{} {
	return map[string]interface{}{
		"Title":     msg.Title,
		"Message":   msg.Body,
		"Level":     string(msg.Level),
		"Component": msg.Component,
		"EventType": msg.Type,
		"AlertID":   msg.AlertID,
		"Metadata":  msg.Metadata,
		"Time":      s.clock.Now().Format(time.RFC3339),
	}
}

// Built-in webhook templates
const (
	minimalTemplate  = `{"title": {{toJSON .Title}}, "message": {{toJSON .Message}}, "level": {{toJSON .Level}}, "time": {{toJSON .Time}}, "event": {{toJSON .EventType}}}`
	detailedTemplate = `{"title": {{toJSON .Title}}, "message": {{toJSON .Message}}, "level": {{toJSON .Level}}, "component": {{toJSON .Component}}, "event": {{toJSON .EventType}}, "alert_id": {{toJSON .AlertID}}, "time": {{toJSON .Time}}, "metadata": {{toJSON .Metadata}}}`
)

func templateFor(p models.NotificationProvider) string {
	switch strings.ToLower(strings.TrimSpace(p.Template)) {
	case "detailed":
		return detailedTemplate
	case "minimal":
		return minimalTemplate
	}
	if strings.TrimSpace(p.Config) == "" {
		return minimalTemplate
	}
	return p.Config
}

// RenderTemplate renders a provider template with provided data and returns
// the rendered JSON string and the parsed object for previewing/validation.
func (s *NotificationService) RenderTemplate(p models.NotificationProvider, data map[string]interface{}) (string, interface{}, error) {
	tmpl, err := template.New("webhook").Funcs(template.FuncMap{
		"toJSON": func(v interface{}) string {
			b, _ := json.Marshal(v)
			return string(b)
		},
	}).Parse(templateFor(p))
	if err != nil {
		return "", nil, fmt.Errorf("failed to parse webhook template: %w", err)
	}

	var body bytes.Buffer
	if err := tmpl.Execute(&body, data); err != nil {
		return "", nil, fmt.Errorf("failed to execute webhook template: %w", err)
	}

	var parsed interface{}
	if err := json.Unmarshal(body.Bytes(), &parsed); err != nil {
		return body.String(), nil, fmt.Errorf("failed to parse rendered template: %w", err)
	}
	return body.String(), parsed, nil
}

func (s *NotificationService) sendCustomWebhook(ctx context.Context, p models.NotificationProvider, data map[string]interface{}) error {
	u, err := validateWebhookURL(p.URL)
	if err != nil {
		return fmt.Errorf("invalid webhook url: %w", err)
	}
	body, _, err := s.RenderTemplate(p, data)
	if err != nil {
		return err
	}

	// Safe client: bounded by ctx, no auto-redirect.
	client := &http.Client{
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	// Connect to a resolved, non-private IP and keep the original Host header
	// so virtual hosting still works.
	ips, err := net.DefaultResolver.LookupIP(ctx, "ip", u.Hostname())
	if err != nil || len(ips) == 0 {
		return fmt.Errorf("failed to resolve webhook host: %w", err)
	}
	var selectedIP net.IP
	for _, ip := range ips {
		if isLoopbackHost(u.Hostname()) || !isPrivateIP(ip) {
			selectedIP = ip
			break
		}
	}
	if selectedIP == nil {
		return fmt.Errorf("failed to find non-private IP for webhook host: %s", u.Hostname())
	}

	port := u.Port()
	if port == "" {
		if u.Scheme == "https" {
			port = "443"
		} else {
			port = "80"
		}
	}
	safeURL := &neturl.URL{
		Scheme:   u.Scheme,
		Host:     net.JoinHostPort(selectedIP.String(), port),
		Path:     u.Path,
		RawQuery: u.RawQuery,
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, safeURL.String(), strings.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())
	req.Host = u.Host

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned status: %d", resp.StatusCode)
	}
	return nil
}

func isLoopbackHost(host string) bool {
	return host == "localhost" || host == "127.0.0.1" || host == "::1"
}

// isPrivateIP returns true for RFC1918, loopback and link-local addresses.
func isPrivateIP(ip net.IP) bool {
	if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsPrivate() {
		return true
	}
	return false
}

// validateWebhookURL parses and validates webhook URLs and ensures
// the resolved addresses are not private/local.
func validateWebhookURL(raw string) (*neturl.URL, error) {
	u, err := neturl.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}

	host := u.Hostname()
	if host == "" {
		return nil, fmt.Errorf("missing host")
	}

	// Allow explicit loopback/localhost addresses for local tests.
	if isLoopbackHost(host) {
		return u, nil
	}

	ips, err := net.LookupIP(host)
	if err != nil {
		return nil, fmt.Errorf("dns lookup failed: %w", err)
	}
	for _, ip := range ips {
		if isPrivateIP(ip) {
			return nil, fmt.Errorf("disallowed host IP: %s", ip.String())
		}
	}
	return u, nil
}

// TestProvider sends a fixed test message through the provider.
func (s *NotificationService) TestProvider(ctx context.Context, provider models.NotificationProvider) error {
	msg := Message{
		Title: "Test Notification",
		Body:  "This is a test notification from " + version.Name,
		Level: models.AlertInfo,
		Type:  "test",
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()
	return s.deliver(ctx, provider, msg)
}

// Provider Management

func (s *NotificationService) ListProviders(ctx context.Context) ([]models.NotificationProvider, error) {
	var providers []models.NotificationProvider
	result := s.DB.WithContext(ctx).Order("name asc").Find(&providers)
	return providers, result.Error
}

func (s *NotificationService) validateProvider(provider *models.NotificationProvider) error {
	if strings.TrimSpace(provider.Name) == "" {
		return fmt.Errorf("%w: provider name is required", ErrConfiguration)
	}
	if provider.MinLevel != "" && !models.AlertLevel(provider.MinLevel).Valid() {
		return fmt.Errorf("%w: unknown min_level %q", ErrConfiguration, provider.MinLevel)
	}
	if strings.ToLower(strings.TrimSpace(provider.Template)) == "custom" && strings.TrimSpace(provider.Config) != "" {
		payload := map[string]interface{}{"Title": "Preview", "Message": "Preview", "Time": s.clock.Now().Format(time.RFC3339), "EventType": "preview"}
		if _, _, err := s.RenderTemplate(*provider, payload); err != nil {
			return fmt.Errorf("%w: invalid custom template: %v", ErrConfiguration, err)
		}
	}
	return nil
}

func (s *NotificationService) CreateProvider(ctx context.Context, provider *models.NotificationProvider) error {
	if err := s.validateProvider(provider); err != nil {
		return err
	}
	return s.DB.WithContext(ctx).Create(provider).Error
}

func (s *NotificationService) UpdateProvider(ctx context.Context, provider *models.NotificationProvider) error {
	if err := s.validateProvider(provider); err != nil {
		return err
	}
	return s.DB.WithContext(ctx).Save(provider).Error
}

func (s *NotificationService) DeleteProvider(ctx context.Context, id string) error {
	return s.DB.WithContext(ctx).Delete(&models.NotificationProvider{}, "id = ?", id).Error
}
