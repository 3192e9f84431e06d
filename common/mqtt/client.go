package mqtt

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"prickless/common/config"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// ErrNotConnected broker 当前不可用
var ErrNotConnected = errors.New("mqtt: not connected")

// MessageHandler 消息处理函数类型
// 在 paho 的投递回调中同步执行，不能阻塞
type MessageHandler func(topic string, payload []byte) error

// ConnectionState 连接状态
type ConnectionState int32

const (
	StateOffline ConnectionState = iota
	StateReconnecting
	StateConnected
)

func (s ConnectionState) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "offline"
	}
}

// StateListener 连接状态变化回调
type StateListener func(state ConnectionState, err error)

type subscription struct {
	topic   string
	qos     byte
	handler MessageHandler
}

// Client MQTT客户端封装
// 连接由后台循环维护：连接失败或断线后按固定间隔重试，永不返回致命错误
type Client struct {
	client mqtt.Client
	config *config.MQTTConfig
	logger *zap.Logger

	mu        sync.RWMutex
	subs      []subscription
	listeners []StateListener

	state atomic.Int32
	lost  chan error

	stopCh   chan struct{}
	stopOnce sync.Once
	started  atomic.Bool
	wg       sync.WaitGroup
}

// NewClient 创建MQTT客户端（不连接，调用 Start 后在后台连接）
func NewClient(cfg *config.MQTTConfig, logger *zap.Logger) *Client {
	c := newClient(cfg, logger)
	c.client = mqtt.NewClient(c.buildOptions())
	return c
}

func newClient(cfg *config.MQTTConfig, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		config: cfg,
		logger: logger.With(zap.String("broker", cfg.Broker), zap.String("client_id", cfg.ClientID)),
		lost:   make(chan error, 1),
		stopCh: make(chan struct{}),
	}
}

func (c *Client) buildOptions() *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(c.config.Broker)
	opts.SetClientID(c.config.ClientID)
	if c.config.Username != "" {
		opts.SetUsername(c.config.Username)
	}
	if c.config.Password != "" {
		opts.SetPassword(c.config.Password)
	}
	opts.SetCleanSession(c.config.CleanSession)
	if c.config.KeepAlive > 0 {
		opts.SetKeepAlive(c.config.KeepAlive)
	}
	if c.config.ConnectTimeout > 0 {
		opts.SetConnectTimeout(c.config.ConnectTimeout)
	}

	// 重连由 connectLoop 以固定间隔负责
	opts.SetAutoReconnect(false)
	opts.SetConnectRetry(false)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		c.onConnectionLost(err)
	})
	return opts
}

// OnStateChange 注册连接状态监听器，须在 Start 之前调用
func (c *Client) OnStateChange(listener StateListener) {
	c.mu.Lock()
	c.listeners = append(c.listeners, listener)
	c.mu.Unlock()
}

// State 当前连接状态
func (c *Client) State() ConnectionState {
	return ConnectionState(c.state.Load())
}

// IsConnected 检查连接状态
func (c *Client) IsConnected() bool {
	return c.State() == StateConnected && c.client.IsConnected()
}

// Start 启动后台连接循环，立即返回
func (c *Client) Start(ctx context.Context) {
	if !c.started.CompareAndSwap(false, true) {
		return
	}
	c.wg.Add(1)
	go c.connectLoop(ctx)
}

func (c *Client) retryInterval() time.Duration {
	if c.config.RetryInterval > 0 {
		return c.config.RetryInterval
	}
	return 5 * time.Second
}

func (c *Client) connectLoop(ctx context.Context) {
	defer c.wg.Done()

	for {
		err := c.connect()
		if err == nil {
			c.setState(StateConnected, nil)
			c.logger.Info("MQTT connected")

			select {
			case lostErr := <-c.lost:
				c.logger.Warn("MQTT connection lost, reconnecting",
					zap.Duration("retry_interval", c.retryInterval()),
					zap.Error(lostErr),
				)
				c.setState(StateReconnecting, fmt.Errorf("%w: %v", ErrNotConnected, lostErr))
			case <-c.stopCh:
				return
			case <-ctx.Done():
				return
			}
		} else {
			c.logger.Warn("MQTT connect failed, will retry",
				zap.Duration("retry_interval", c.retryInterval()),
				zap.Error(err),
			)
			c.setState(StateReconnecting, err)
		}

		timer := time.NewTimer(c.retryInterval())
		select {
		case <-timer.C:
		case <-c.stopCh:
			timer.Stop()
			return
		case <-ctx.Done():
			timer.Stop()
			return
		}
	}
}

func (c *Client) connect() error {
	token := c.client.Connect()
	if err := waitToken(token, c.connectWait()); err != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", err)
	}
	// clean session 下断线后订阅失效，每次连上都重新订阅
	if err := c.subscribeAll(); err != nil {
		c.client.Disconnect(250)
		return err
	}
	return nil
}

func (c *Client) connectWait() time.Duration {
	if c.config.ConnectTimeout > 0 {
		return c.config.ConnectTimeout + time.Second
	}
	return 30 * time.Second
}

func (c *Client) subscribeAll() error {
	c.mu.RLock()
	subs := make([]subscription, len(c.subs))
	copy(subs, c.subs)
	c.mu.RUnlock()

	for _, s := range subs {
		if err := c.subscribe(s); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) subscribe(s subscription) error {
	token := c.client.Subscribe(s.topic, s.qos, c.wrap(s.handler))
	if err := waitToken(token, c.connectWait()); err != nil {
		return fmt.Errorf("failed to subscribe to topic %s: %w", s.topic, err)
	}
	c.logger.Info("MQTT subscribed", zap.String("topic", s.topic), zap.Uint8("qos", s.qos))
	return nil
}

func (c *Client) wrap(handler MessageHandler) mqtt.MessageHandler {
	return func(_ mqtt.Client, msg mqtt.Message) {
		if err := handler(msg.Topic(), msg.Payload()); err != nil {
			// 记录错误，但不中断处理
			c.logger.Warn("Error handling MQTT message",
				zap.String("topic", msg.Topic()),
				zap.Error(err),
			)
		}
	}
}

func (c *Client) onConnectionLost(err error) {
	select {
	case c.lost <- err:
	default:
	}
}

func (c *Client) setState(state ConnectionState, err error) {
	if ConnectionState(c.state.Swap(int32(state))) == state {
		return
	}
	c.mu.RLock()
	listeners := c.listeners
	c.mu.RUnlock()
	for _, l := range listeners {
		l(state, err)
	}
}

// Subscribe 登记订阅；已连接时立即订阅，之后每次重连自动重新订阅
func (c *Client) Subscribe(topic string, qos byte, handler MessageHandler) error {
	s := subscription{topic: topic, qos: qos, handler: handler}
	c.mu.Lock()
	c.subs = append(c.subs, s)
	c.mu.Unlock()

	if !c.IsConnected() {
		return nil
	}
	return c.subscribe(s)
}

// Unsubscribe 取消订阅
func (c *Client) Unsubscribe(topics ...string) error {
	c.mu.Lock()
	kept := c.subs[:0]
	for _, s := range c.subs {
		if !contains(topics, s.topic) {
			kept = append(kept, s)
		}
	}
	c.subs = kept
	c.mu.Unlock()

	if !c.IsConnected() {
		return nil
	}
	token := c.client.Unsubscribe(topics...)
	if err := waitToken(token, c.connectWait()); err != nil {
		return fmt.Errorf("failed to unsubscribe: %w", err)
	}
	return nil
}

// Disconnect 停止重连循环并断开连接
func (c *Client) Disconnect() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
	if c.client.IsConnected() {
		c.client.Disconnect(250) // 250ms等待时间
	}
	c.setState(StateOffline, nil)
}

func waitToken(token mqtt.Token, timeout time.Duration) error {
	if !token.WaitTimeout(timeout) {
		return fmt.Errorf("%w: timed out after %s", ErrNotConnected, timeout)
	}
	return token.Error()
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
