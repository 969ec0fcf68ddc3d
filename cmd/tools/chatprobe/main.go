package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/joho/godotenv"

	"github.com/zhouzirui/solace/backend/internal/config"
	"github.com/zhouzirui/solace/backend/internal/service/speech"
)

type options struct {
	server   string
	username string
	password string
	email    string
	register bool
	text     string
	oneShot  bool
	audio    string
	format   string
	asrOnly  bool
	end      bool
	stress   int
	negative int
	positive int
	timeout  time.Duration
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	if err := godotenv.Load(); err != nil {
		log.Printf("[WARN] 无法加载 .env，改用系统环境变量: %v", err)
	}

	var opts options
	flag.StringVar(&opts.server, "server", "http://localhost:8080", "后端地址")
	flag.StringVar(&opts.username, "user", os.Getenv("PROBE_USER"), "用户名")
	flag.StringVar(&opts.password, "password", os.Getenv("PROBE_PASSWORD"), "密码")
	flag.StringVar(&opts.email, "email", "", "注册邮箱 (配合 -register)")
	flag.BoolVar(&opts.register, "register", false, "先注册账号再登录")
	flag.StringVar(&opts.text, "text", "How can I cope with stress at work?", "发送的文本")
	flag.BoolVar(&opts.oneShot, "oneshot", false, "发送单轮消息 (user_message) 而非会话消息")
	flag.StringVar(&opts.audio, "audio", "", "语音文件路径，作为单轮语音消息发送")
	flag.StringVar(&opts.format, "format", "", "音频格式，默认取文件扩展名")
	flag.BoolVar(&opts.asrOnly, "asr", false, "只在本地调用语音识别，不连接后端")
	flag.BoolVar(&opts.end, "end", false, "收到回复后结束会话")
	flag.IntVar(&opts.stress, "stress", 5, "end_session 的 stress_level")
	flag.IntVar(&opts.negative, "negative", 0, "end_session 的 negative_thoughts_reduction")
	flag.IntVar(&opts.positive, "positive", 0, "end_session 的 positive_thoughts_increase")
	flag.DurationVar(&opts.timeout, "timeout", 90*time.Second, "整体超时时间")
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), opts.timeout)
	defer cancel()

	if opts.asrOnly {
		runASR(ctx, opts)
		return
	}

	if opts.username == "" || opts.password == "" {
		flag.Usage()
		log.Fatal("请通过 -user 与 -password 指定账号")
	}

	token, err := login(ctx, opts)
	if err != nil {
		log.Fatalf("登录失败: %v", err)
	}
	log.Printf("登录成功: user=%s", opts.username)

	if err := converse(ctx, opts, token); err != nil {
		log.Fatalf("对话失败: %v", err)
	}
}

func runASR(ctx context.Context, opts options) {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("配置加载失败: %v", err)
	}
	if !cfg.Speech.Enabled {
		log.Fatal("语音服务未启用，请先配置 SPEECH_APP_ID 与 SPEECH_ACCESS_TOKEN")
	}
	audio, format := readAudio(opts)

	transcriber := speech.NewTranscriber(speech.Options{
		AppID:       cfg.Speech.AppID,
		AccessToken: cfg.Speech.AccessToken,
		Language:    cfg.Speech.ASRLanguage,
		Concurrent:  cfg.Speech.Concurrent,
		Timeout:     cfg.Speech.Timeout,
	})

	log.Printf("开始进行 ASR 测试: format=%s language=%s bytes=%d", format, cfg.Speech.ASRLanguage, len(audio))
	started := time.Now()
	text, err := transcriber.Transcribe(ctx, audio, format)
	if err != nil {
		log.Fatalf("ASR 调用失败: %v", err)
	}
	log.Printf("ASR 识别成功: text=%q elapsed=%s", text, time.Since(started))
}

func readAudio(opts options) ([]byte, string) {
	if opts.audio == "" {
		log.Fatal("语音模式需要通过 -audio 指定音频文件路径")
	}
	audio, err := os.ReadFile(opts.audio)
	if err != nil {
		log.Fatalf("读取音频文件失败: %v", err)
	}
	format := opts.format
	if format == "" {
		format = strings.TrimPrefix(strings.ToLower(filepath.Ext(opts.audio)), ".")
		if format == "" {
			format = "wav"
		}
	}
	return audio, format
}

func login(ctx context.Context, opts options) (string, error) {
	if opts.register {
		body := map[string]string{"username": opts.username, "email": opts.email, "password": opts.password}
		if _, err := postJSON(ctx, opts.server+"/api/auth/register", body); err != nil {
			log.Printf("[WARN] 注册失败，继续尝试登录: %v", err)
		}
	}
	return postJSON(ctx, opts.server+"/api/auth/token", map[string]string{
		"username": opts.username,
		"password": opts.password,
	})
}

func postJSON(ctx context.Context, endpoint string, body any) (string, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(raw))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var payload struct {
		AccessToken string `json:"access_token"`
		Error       string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("decode response (status %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("status %d: %s", resp.StatusCode, payload.Error)
	}
	return payload.AccessToken, nil
}

type event struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func converse(ctx context.Context, opts options, token string) error {
	wsURL, err := websocketURL(opts.server)
	if err != nil {
		return err
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", wsURL, err)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	send := func(name string, data any) error {
		return conn.WriteJSON(map[string]any{"event": name, "data": data})
	}
	// await prints events until one named in want arrives
	await := func(want ...string) (event, error) {
		for {
			var ev event
			if err := conn.ReadJSON(&ev); err != nil {
				return event{}, err
			}
			log.Printf("<- %s %s", ev.Event, ev.Data)
			for _, name := range want {
				if ev.Event == name {
					return ev, nil
				}
			}
			if ev.Event == "auth_error" {
				return ev, fmt.Errorf("server rejected credentials")
			}
		}
	}

	if err := send("connect", map[string]any{"auth": map[string]string{"token": token}}); err != nil {
		return err
	}
	if _, err := await("first_notification"); err != nil {
		return err
	}

	switch {
	case opts.audio != "":
		audio, format := readAudio(opts)
		err = send("user_message", map[string]any{"is_voice": true, "audio": audio, "format": format, "token": token})
	case opts.oneShot:
		err = send("user_message", map[string]any{"text": opts.text, "token": token})
	default:
		err = send("user_message_advanced", map[string]any{"text": opts.text, "token": token})
	}
	if err != nil {
		return err
	}
	if _, err := await("ai_response", "error", "session_error"); err != nil {
		return err
	}

	if opts.end {
		if err := send("end_session", map[string]any{
			"token":                       token,
			"stress_level":                opts.stress,
			"negative_thoughts_reduction": opts.negative,
			"positive_thoughts_increase":  opts.positive,
		}); err != nil {
			return err
		}
		if _, err := await("session_ended", "session_error", "error"); err != nil {
			return err
		}
	}

	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"),
		time.Now().Add(time.Second))
	return nil
}

func websocketURL(server string) (string, error) {
	u, err := url.Parse(server)
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	return u.String(), nil
}
