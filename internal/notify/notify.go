package notify

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	tb "gopkg.in/tucnak/telebot.v2"

	"wq_miner/configs"
	"wq_miner/internal/constant"
)

// Notifier delivers a short title plus a markdown body. Delivery is best effort.
type Notifier interface {
	Notify(ctx context.Context, title, content string) error
}

// ServerChan posts to https://sctapi.ftqq.com/{secret}.send.
type ServerChan struct {
	baseUrl string
	secret  string
	client  *http.Client
}

func NewServerChan(baseUrl, secret string) *ServerChan {
	if baseUrl == "" {
		baseUrl = constant.ServerChanUrl
	}
	return &ServerChan{
		baseUrl: strings.TrimRight(baseUrl, "/"),
		secret:  secret,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (s *ServerChan) Notify(ctx context.Context, title, content string) error {
	form := url.Values{"text": {title}, "desp": {content}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, fmt.Sprintf("%s/%s.send", s.baseUrl, s.secret), strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("build serverchan request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("serverchan send: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("serverchan send: status %d", resp.StatusCode)
	}
	return nil
}

type Telegram struct {
	bot    *tb.Bot
	chatId int64
}

// NewTelegram builds an offline bot; it sends only and never polls for updates.
func NewTelegram(token string, chatId int64, apiUrl string) (*Telegram, error) {
	bot, err := tb.NewBot(tb.Settings{
		URL:     apiUrl,
		Token:   token,
		Offline: true,
	})
	if err != nil {
		return nil, fmt.Errorf("init telegram bot: %w", err)
	}
	return &Telegram{bot: bot, chatId: chatId}, nil
}

func (t *Telegram) Notify(_ context.Context, title, content string) error {
	if _, err := t.bot.Send(&tb.Chat{ID: t.chatId}, title+"\n\n"+content); err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	return nil
}

// Multi fans out to every configured channel and only logs failures.
type Multi struct {
	notifiers []Notifier
}

func (m *Multi) Notify(ctx context.Context, title, content string) error {
	for _, n := range m.notifiers {
		if err := n.Notify(ctx, title, content); err != nil {
			log.Warnf("notify %q failed: %v", title, err)
		}
	}
	return nil
}

func (m *Multi) Len() int {
	return len(m.notifiers)
}

// New wires the channels present in conf. With none configured the result is a no-op.
func New(conf configs.NotifyConf) *Multi {
	m := &Multi{}
	if conf.ServerSecret != "" {
		m.notifiers = append(m.notifiers, NewServerChan(conf.ServerChanUrl, conf.ServerSecret))
	} else {
		log.Info("server_secret not configured, serverchan notifications skipped")
	}
	if conf.TelegramToken != "" && conf.TelegramChatId != 0 {
		telegram, err := NewTelegram(conf.TelegramToken, conf.TelegramChatId, "")
		if err != nil {
			log.Warnf("telegram disabled: %v", err)
		} else {
			m.notifiers = append(m.notifiers, telegram)
		}
	}
	return m
}

// Milestones reports each completion threshold at most once per run.
type Milestones struct {
	mutex     sync.Mutex
	marks     []float64
	reachedAt int
}

func NewMilestones(marks []float64) *Milestones {
	sorted := append([]float64(nil), marks...)
	sort.Float64s(sorted)
	return &Milestones{marks: sorted}
}

// Cross returns the highest milestone newly passed by rate (0-100).
func (m *Milestones) Cross(rate float64) (float64, bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	crossed := -1
	for i := m.reachedAt; i < len(m.marks); i++ {
		if rate >= m.marks[i] {
			crossed = i
		}
	}
	if crossed < 0 {
		return 0, false
	}
	m.reachedAt = crossed + 1
	return m.marks[crossed], true
}

type Progress struct {
	Dataset   string
	Region    string
	Universe  string
	Stage     int
	Completed int64
	Total     int64
	Accepted  int64
	Failed    int64
	StartedAt time.Time
}

func (p Progress) Rate() float64 {
	if p.Total <= 0 {
		return 0
	}
	return float64(p.Completed) * 100 / float64(p.Total)
}

func MilestoneMessage(p Progress) (string, string) {
	rate := p.Rate()
	var title, action string
	switch {
	case rate >= 99.5:
		title = fmt.Sprintf("Stage %d almost done - %s (%.1f%%)", p.Stage, p.Dataset, rate)
		action = "**prepare the next dataset now**"
	case rate >= 99:
		title = fmt.Sprintf("Stage %d nearly complete - %s (%.1f%%)", p.Stage, p.Dataset, rate)
		action = "**start preparing the next dataset**"
	case rate >= 98:
		title = fmt.Sprintf("Stage %d progress - %s (%.1f%%)", p.Stage, p.Dataset, rate)
		action = "consider which dataset to mine next"
	default:
		title = fmt.Sprintf("Stage %d report - %s (%.1f%%)", p.Stage, p.Dataset, rate)
		action = "keep monitoring"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "- dataset: %s\n- region: %s\n- universe: %s\n\n", p.Dataset, p.Region, p.Universe)
	fmt.Fprintf(&b, "- progress: %.2f%%\n- completed: %d\n- total: %d\n- remaining: %d\n\n", rate, p.Completed, p.Total, p.Total-p.Completed)
	b.WriteString(elapsedLines(p))
	fmt.Fprintf(&b, "\n- %s\n", action)
	return title, b.String()
}

func CompletionMessage(p Progress, state string) (string, string) {
	title := fmt.Sprintf("Stage %d %s - %s", p.Stage, strings.ToLower(state), p.Dataset)
	var b strings.Builder
	fmt.Fprintf(&b, "- dataset: %s\n- region: %s\n- universe: %s\n\n", p.Dataset, p.Region, p.Universe)
	fmt.Fprintf(&b, "- simulated: %d\n- accepted: %d\n- failed: %d\n\n", p.Completed, p.Accepted, p.Failed)
	b.WriteString(elapsedLines(p))
	return title, b.String()
}

func ErrorMessage(kind, message, dataset string, stage int) (string, string) {
	title := "Mining error - " + kind
	var b strings.Builder
	fmt.Fprintf(&b, "- type: %s\n- message: %s\n", kind, message)
	if dataset != "" {
		fmt.Fprintf(&b, "- dataset: %s\n", dataset)
	}
	if stage > 0 {
		fmt.Fprintf(&b, "- stage: %d\n", stage)
	}
	return title, b.String()
}

func elapsedLines(p Progress) string {
	if p.StartedAt.IsZero() {
		return ""
	}
	elapsed := time.Since(p.StartedAt).Truncate(time.Second)
	line := fmt.Sprintf("- elapsed: %s\n", elapsed)
	if p.Completed > 0 {
		line += fmt.Sprintf("- avg per expression: %.1fs\n", elapsed.Seconds()/float64(p.Completed))
	}
	return line
}
