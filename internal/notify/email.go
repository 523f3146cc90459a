package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html/template"
	"net/mail"
	"strings"
	"sync"
	"time"

	"gopkg.in/gomail.v2"

	"groupbot_engine/internal/logbus"
	"groupbot_engine/internal/model"
)

// SettingsSource 提供邮件配置（sqlite 设置表）。
type SettingsSource interface {
	GetEmailSettings(ctx context.Context) (model.EmailSettings, bool, error)
}

// Sender 发送一批通知，默认走 SMTP。
type Sender func(ctx context.Context, settings model.EmailSettings, events []Event) error

type EmailOptions struct {
	Settings      SettingsSource
	Bus           *logbus.Bus
	SummaryWindow time.Duration
	MaxBatch      int
	Send          Sender
}

// EmailNotifier 把通知攒批后发一封汇总邮件。
type EmailNotifier struct {
	settings SettingsSource
	bus      *logbus.Bus
	send     Sender

	mu     sync.Mutex
	queue  chan Event
	ctx    context.Context
	cancel func()
	wg     sync.WaitGroup

	summaryWindow time.Duration
	maxBatch      int
}

func NewEmailNotifier(opts EmailOptions) *EmailNotifier {
	ctx, cancel := context.WithCancel(context.Background())
	n := &EmailNotifier{
		settings:      opts.Settings,
		bus:           opts.Bus,
		send:          opts.Send,
		queue:         make(chan Event, 200),
		ctx:           ctx,
		cancel:        cancel,
		summaryWindow: opts.SummaryWindow,
		maxBatch:      opts.MaxBatch,
	}
	if n.send == nil {
		n.send = SendSummaryEmail
	}
	if n.maxBatch <= 0 {
		n.maxBatch = 50
	}
	n.wg.Add(1)
	go n.loop()
	return n
}

func (n *EmailNotifier) Close(ctx context.Context) error {
	n.mu.Lock()
	cancel := n.cancel
	n.cancel = nil
	n.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (n *EmailNotifier) NotifyBestLuck(_ context.Context, evt Event) {
	evt.Kind = KindBestLuck
	n.enqueue(evt)
}

func (n *EmailNotifier) NotifySessionError(_ context.Context, evt Event) {
	evt.Kind = KindSessionError
	n.enqueue(evt)
}

func (n *EmailNotifier) enqueue(evt Event) {
	if evt.At == 0 {
		evt.At = time.Now().UnixMilli()
	}
	select {
	case n.queue <- evt:
	default:
		if n.bus != nil {
			n.bus.Log("warn", "邮件通知丢弃：队列已满", map[string]any{
				"kind":      evt.Kind,
				"accountId": evt.AccountID,
			})
		}
	}
}

func (n *EmailNotifier) loop() {
	defer n.wg.Done()

	var (
		pending []Event
		timer   *time.Timer
		timerCh <-chan time.Time
	)
	stopTimer := func() {
		if timer != nil {
			timer.Stop()
			timer = nil
			timerCh = nil
		}
	}
	flush := func(reason string) {
		stopTimer()
		if len(pending) == 0 {
			return
		}
		batch := append([]Event(nil), pending...)
		pending = pending[:0]
		n.handleBatch(reason, batch)
	}

	for {
		select {
		case <-n.ctx.Done():
			flush("shutdown")
			return
		case evt := <-n.queue:
			pending = append(pending, evt)
			if len(pending) >= n.maxBatch {
				flush("max")
				continue
			}
			if n.summaryWindow <= 0 {
				flush("immediate")
				continue
			}
			if timer == nil {
				timer = time.NewTimer(n.summaryWindow)
				timerCh = timer.C
			}
		case <-timerCh:
			timer = nil
			timerCh = nil
			flush("window")
		}
	}
}

func (n *EmailNotifier) handleBatch(reason string, events []Event) {
	if n.settings == nil {
		return
	}
	// 关闭时 n.ctx 已取消，读取配置和发送用独立的短超时
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	settings, ok, err := n.settings.GetEmailSettings(ctx)
	if err != nil {
		n.log("warn", "读取邮件配置失败", map[string]any{"error": err.Error()})
		return
	}
	if !ok || !settings.Enabled {
		n.log("debug", "邮件通知未启用", map[string]any{"count": len(events), "reason": reason})
		return
	}
	if err := ValidateEmailSettings(settings); err != nil {
		n.log("warn", "邮件配置无效", map[string]any{"error": err.Error()})
		return
	}
	if err := n.send(ctx, settings, events); err != nil {
		n.log("warn", "邮件发送失败", map[string]any{"error": err.Error(), "count": len(events), "reason": reason})
		return
	}
	n.log("info", "通知邮件已发送", map[string]any{"count": len(events), "reason": reason, "to": strings.TrimSpace(settings.Email)})
}

func (n *EmailNotifier) log(level, msg string, fields map[string]any) {
	if n.bus != nil {
		n.bus.Log(level, msg, fields)
	}
}

func ValidateEmailSettings(s model.EmailSettings) error {
	email := strings.TrimSpace(s.Email)
	if email == "" {
		return errors.New("email is required")
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return errors.New("invalid email")
	}
	if strings.TrimSpace(s.AuthCode) == "" {
		return errors.New("authCode is required")
	}
	return nil
}

func SendSummaryEmail(ctx context.Context, settings model.EmailSettings, events []Event) error {
	if len(events) == 0 {
		return errors.New("no events")
	}
	htmlBody, textBody, err := buildSummaryBody(events)
	if err != nil {
		return err
	}
	return sendMail(ctx, settings, buildSubject(events), htmlBody, textBody)
}

// SendTestEmail 用于设置页的"发送测试邮件"。
func SendTestEmail(ctx context.Context, settings model.EmailSettings) error {
	return sendMail(ctx, settings, "群机器人测试邮件", "<p>邮件通知配置可用。</p>", "邮件通知配置可用。")
}

func sendMail(ctx context.Context, settings model.EmailSettings, subject, htmlBody, textBody string) error {
	if err := ValidateEmailSettings(settings); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	email := strings.TrimSpace(settings.Email)
	host, port, useSSL, err := smtpConfigForEmail(email)
	if err != nil {
		return err
	}

	msg := gomail.NewMessage()
	msg.SetHeader("From", msg.FormatAddress(email, "群机器人"))
	msg.SetHeader("To", email)
	msg.SetHeader("Subject", subject)
	msg.SetBody("text/plain", textBody)
	msg.AddAlternative("text/html", htmlBody)

	d := gomail.NewDialer(host, port, email, strings.TrimSpace(settings.AuthCode))
	d.SSL = useSSL
	return d.DialAndSend(msg)
}

func smtpConfigForEmail(email string) (host string, port int, useSSL bool, err error) {
	parts := strings.Split(strings.TrimSpace(email), "@")
	if len(parts) != 2 || strings.TrimSpace(parts[1]) == "" {
		return "", 0, false, errors.New("invalid email format")
	}
	domain := strings.ToLower(strings.TrimSpace(parts[1]))
	is := func(base string) bool { return domain == base || strings.HasSuffix(domain, "."+base) }

	switch {
	case is("qq.com") || is("foxmail.com"):
		return "smtp.qq.com", 465, true, nil
	case is("163.com") || is("126.com") || is("yeah.net"):
		return "smtp.163.com", 465, true, nil
	case is("gmail.com"):
		return "smtp.gmail.com", 587, false, nil
	case is("outlook.com") || is("hotmail.com") || is("live.com"):
		return "smtp.office365.com", 587, false, nil
	default:
		return "smtp." + domain, 465, true, nil
	}
}

func buildSubject(events []Event) string {
	var luck, alerts int
	for _, e := range events {
		if e.Kind == KindSessionError {
			alerts++
		} else {
			luck++
		}
	}
	switch {
	case alerts > 0 && luck > 0:
		return fmt.Sprintf("群机器人通知：%d 个账号异常，%d 次手气最佳", alerts, luck)
	case alerts > 0:
		return fmt.Sprintf("群机器人告警：%d 个账号异常", alerts)
	default:
		return fmt.Sprintf("群机器人通知：%d 次手气最佳", luck)
	}
}

var summaryTpl = template.Must(template.New("summary").Parse(`<!doctype html>
<html lang="zh-CN"><body style="font-family:sans-serif;background:#f6f8fb;padding:24px;">
<div style="max-width:680px;margin:0 auto;background:#fff;border:1px solid #e6e8ef;border-radius:12px;padding:20px;">
<div style="font-size:16px;font-weight:700;">群机器人通知（{{ .Total }} 条）</div>
<table style="width:100%;margin-top:12px;border-collapse:collapse;font-size:12px;">
<thead><tr><th align="left">时间</th><th align="left">类型</th><th align="left">账号</th><th align="left">详情</th></tr></thead>
<tbody>{{ range .Rows }}<tr><td>{{ .At }}</td><td>{{ .Kind }}</td><td>{{ .Account }}</td><td>{{ .Detail }}</td></tr>{{ end }}</tbody>
</table>
<div style="margin-top:12px;color:#9ca3af;font-size:12px;">此邮件由系统自动发送</div>
</div></body></html>`))

type summaryRow struct {
	At      string
	Kind    string
	Account string
	Detail  string
}

func buildSummaryBody(events []Event) (htmlBody, textBody string, err error) {
	rows := make([]summaryRow, 0, len(events))
	for _, e := range events {
		at := time.Now()
		if e.At > 0 {
			at = time.UnixMilli(e.At)
		}
		row := summaryRow{At: at.Format("2006-01-02 15:04:05"), Account: e.AccountID}
		if e.Kind == KindSessionError {
			row.Kind = "账号异常"
			row.Detail = e.Error
		} else {
			row.Kind = "手气最佳"
			row.Detail = fmt.Sprintf("群 %s 红包 %s 金额 %s", e.GroupID, e.DropID, e.Amount)
		}
		rows = append(rows, row)
	}

	var buf bytes.Buffer
	if err := summaryTpl.Execute(&buf, struct {
		Total int
		Rows  []summaryRow
	}{Total: len(rows), Rows: rows}); err != nil {
		return "", "", err
	}

	text := new(strings.Builder)
	fmt.Fprintf(text, "群机器人通知（%d 条）\n", len(rows))
	for _, r := range rows {
		fmt.Fprintf(text, "- %s | %s | %s | %s\n", r.At, r.Kind, r.Account, r.Detail)
	}
	return buf.String(), text.String(), nil
}
