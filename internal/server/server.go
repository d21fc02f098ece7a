package server

import (
	"context"
	"errors"
	"net"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/hivemesh-dev/hivemesh-mqtt-broker/internal/broker"
	"github.com/hivemesh-dev/hivemesh-mqtt-broker/internal/config"
	"github.com/hivemesh-dev/hivemesh-mqtt-broker/internal/logger"
)

var errInvalidFirstPacket = errors.New("first packet must be CONNECT")

// Server TCP监听器，每个连接一个ConnectionHandler
type Server struct {
	broker   *broker.Broker
	listener net.Listener
	sem      chan struct{}
	wg       sync.WaitGroup
	closed   atomic.Bool
}

func NewServer(b *broker.Broker) *Server {
	conf, _ := config.GetConfig()
	return &Server{
		broker: b,
		sem:    make(chan struct{}, conf.Broker.MaxConnections),
	}
}

// Start 开始监听并阻塞处理连接，Shutdown之后返回nil
func (s *Server) Start(port int) error {
	if err := s.Listen(port); err != nil {
		return err
	}
	return s.Serve()
}

// Listen 绑定监听端口，port为0时由系统分配
func (s *Server) Listen(port int) error {
	ln, err := net.Listen("tcp", ":"+strconv.Itoa(port))
	if err != nil {
		return err
	}
	s.listener = ln
	logger.InfoF("MQTT Server Listen On %s", ln.Addr().String())
	return nil
}

// Addr 实际监听地址，Listen成功后有效
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Serve 阻塞处理连接
func (s *Server) Serve() error {
	ln := s.listener
	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.closed.Load() {
				return nil
			}
			logger.ErrorF("Accept connection error: %v", err)
			continue
		}

		logger.DebugF("Accepted new connection from %s", conn.RemoteAddr().String())

		s.sem <- struct{}{}
		s.wg.Add(1)
		go func(c net.Conn) {
			defer func() {
				<-s.sem
				s.wg.Done()
			}()
			NewConnectionHandler(c, s.broker).handleConnection()
		}(conn)
	}
}

// Shutdown 停止接受新连接并踢掉存量连接，等待全部处理协程退出
func (s *Server) Shutdown() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	if s.listener != nil {
		if err := s.listener.Close(); err != nil {
			logger.ErrorF("Server close error: %v", err)
		}
	}
	s.broker.Sessions().Shutdown()
	s.wg.Wait()
}

// ShutdownCallback 注册到event.Cleaner的关闭回调
type ShutdownCallback struct {
	server *Server
}

func NewShutdownCallback(s *Server) *ShutdownCallback {
	return &ShutdownCallback{server: s}
}

func (sc *ShutdownCallback) Invoke(_ context.Context) error {
	sc.server.Shutdown()
	return nil
}
