package policy

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"modoboa-policyd/policy/application"
	"modoboa-policyd/policy/domain"
)

const (
	defaultReadTimeout     = 30 * time.Second
	defaultMaxRequestBytes = 64 << 10
	maxAcceptBackoff       = time.Second
)

// Hooks permitem observar o servidor sem acoplar métricas ao adaptador.
// Todos são opcionais.
type Hooks struct {
	ConnOpened func()
	ConnClosed func()
	// Rejected é chamado quando não há vaga de avaliação; a resposta é dunno.
	Rejected func()
	// Responded recebe a ação enviada e o tempo desde o fim da leitura.
	Responded func(action string, elapsed time.Duration, dec domain.Decision)
}

type Server struct {
	Addr      string
	Evaluator application.Evaluator
	Admission *application.Admission
	Log       logrus.FieldLogger
	Hooks     Hooks

	ReadTimeout     time.Duration
	MaxRequestBytes int64

	mu       sync.Mutex
	listener net.Listener
	wg       sync.WaitGroup
}

// ListenAndServe escuta em Addr e atende até o ctx encerrar.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve aceita conexões em ln. Ao cancelar o ctx, fecha o listener e espera
// as conexões em andamento terminarem. Retorna nil nesse caso.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	log := s.logger()
	log.WithField("addr", ln.Addr().String()).Info("policy server listening")

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = ln.Close()
		case <-stop:
		}
	}()

	var backoff time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				s.wg.Wait()
				log.Info("policy server stopped")
				return nil
			}

			// erro temporário (ex: limite de descritores): espera e tenta de novo
			if backoff == 0 {
				backoff = 5 * time.Millisecond
			} else {
				backoff *= 2
			}
			if backoff > maxAcceptBackoff {
				backoff = maxAcceptBackoff
			}
			log.WithError(err).WithField("retry_in", backoff).Warn("accept failed")
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
			}
			continue
		}
		backoff = 0

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			// requisição já aceita termina mesmo durante o shutdown
			s.handle(context.WithoutCancel(ctx), conn)
		}()
	}
}

// ListenerAddr devolve o endereço do listener ativo (útil com ":0").
func (s *Server) ListenerAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) handle(ctx context.Context, conn net.Conn) {
	log := s.logger().WithField("remote", conn.RemoteAddr().String())

	if s.Hooks.ConnOpened != nil {
		s.Hooks.ConnOpened()
	}
	defer func() {
		if r := recover(); r != nil {
			log.WithField("panic", r).Error("policy handler panicked")
		}
		_ = conn.Close()
		if s.Hooks.ConnClosed != nil {
			s.Hooks.ConnClosed()
		}
	}()

	readTimeout := s.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = defaultReadTimeout
	}
	maxBytes := s.MaxRequestBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxRequestBytes
	}

	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	req, err := ReadRequest(bufio.NewReader(io.LimitReader(conn, maxBytes)))
	if err != nil {
		// sem requisição completa não há a quem responder
		if domain.IsIncomplete(err) {
			log.Debug("connection closed before end of request")
		} else {
			log.WithError(err).Debug("failed to read request")
		}
		return
	}

	// prazo da requisição: vale também para a espera por vaga sem AcquireTimeout
	reqCtx, cancel := context.WithTimeout(ctx, readTimeout)
	defer cancel()

	start := time.Now()
	dec := s.decide(reqCtx, req, log)
	action := dec.Action()

	_ = conn.SetWriteDeadline(time.Now().Add(readTimeout))
	if _, err := conn.Write(Encode(action)); err != nil {
		log.WithError(err).Debug("failed to write response")
		return
	}

	if s.Hooks.Responded != nil {
		s.Hooks.Responded(action, time.Since(start), dec)
	}
	log.WithFields(logrus.Fields{
		"sasl_username": req.Get(domain.AttrSASLUsername),
		"action":        action,
		"reason":        dec.Reason,
	}).Debug("policy request answered")
}

func (s *Server) decide(ctx context.Context, req domain.Request, log logrus.FieldLogger) (dec domain.Decision) {
	release, ok := s.Admission.Admit(ctx)
	if !ok {
		if s.Hooks.Rejected != nil {
			s.Hooks.Rejected()
		}
		log.Warn("no evaluation slot available, allowing")
		return domain.Decision{Allowed: true, Reason: "saturated"}
	}
	defer release()

	defer func() {
		if r := recover(); r != nil {
			log.WithField("panic", r).Error("evaluation panicked, allowing")
			dec = domain.Decision{Allowed: true, Reason: "panic"}
		}
	}()
	return s.Evaluator.Evaluate(ctx, req)
}

func (s *Server) logger() logrus.FieldLogger {
	if s.Log != nil {
		return s.Log
	}
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}
