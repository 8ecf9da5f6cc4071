package server

import (
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/juju/errors"

	"github.com/SridarDhandapani/onvifd/config"
)

const (
	listenBacklog = 16
	maxEvents     = 128
)

// epollLoop owns the listening socket, the epoll descriptor and the worker
// pool. One goroutine runs the event loop; workers consume readable
// descriptors from the jobs channel.
type epollLoop struct {
	listenFd int
	epollFd  int

	// wakePipe unblocks EpollWait for shutdown.
	wakeR, wakeW int

	jobs    chan int
	closing atomic.Bool
	wg      sync.WaitGroup
}

// Run binds the configured port and serves until Shutdown. It blocks.
func (s *Server) Run() error {
	port, err := s.store.GetInt(config.SectionONVIF, "http_port")
	if err != nil {
		return errors.Trace(err)
	}
	workers, err := s.store.GetInt(config.SectionServer, "worker_threads")
	if err != nil {
		return errors.Trace(err)
	}

	loop := &epollLoop{jobs: make(chan int, 1024)}
	if err := loop.listen(port); err != nil {
		return errors.Annotatef(err, "listening on port %d", port)
	}
	s.loop = loop

	for i := 0; i < workers; i++ {
		loop.wg.Add(1)
		go s.worker(loop)
	}
	go s.sweeper(loop)

	s.log.Info().Int("port", port).Int("workers", workers).Msg("http server listening")
	return s.eventLoop(loop)
}

// Shutdown stops accepting, wakes the event loop and waits for workers to
// drain.
func (s *Server) Shutdown() {
	loop := s.loop
	if loop == nil || !loop.closing.CompareAndSwap(false, true) {
		return
	}
	// Wake EpollWait; the loop notices closing and exits.
	syscall.Write(loop.wakeW, []byte{1})
	loop.wg.Wait()

	syscall.Close(loop.listenFd)
	syscall.Close(loop.epollFd)
	syscall.Close(loop.wakeR)
	syscall.Close(loop.wakeW)
	s.log.Info().Msg("http server stopped")
}

func (l *epollLoop) listen(port int) error {
	fd, err := syscall.Socket(syscall.AF_INET, syscall.SOCK_STREAM, 0)
	if err != nil {
		return errors.Trace(err)
	}
	syscall.SetsockoptInt(fd, syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)

	if err := syscall.Bind(fd, &syscall.SockaddrInet4{Port: port}); err != nil {
		syscall.Close(fd)
		return errors.Trace(err)
	}
	if err := syscall.Listen(fd, listenBacklog); err != nil {
		syscall.Close(fd)
		return errors.Trace(err)
	}
	syscall.SetNonblock(fd, true)
	l.listenFd = fd

	epfd, err := syscall.EpollCreate1(0)
	if err != nil {
		syscall.Close(fd)
		return errors.Trace(err)
	}
	l.epollFd = epfd

	var pipeFds [2]int
	if err := syscall.Pipe(pipeFds[:]); err != nil {
		syscall.Close(fd)
		syscall.Close(epfd)
		return errors.Trace(err)
	}
	l.wakeR, l.wakeW = pipeFds[0], pipeFds[1]

	for _, watch := range []int{l.listenFd, l.wakeR} {
		if err := syscall.EpollCtl(epfd, syscall.EPOLL_CTL_ADD, watch, &syscall.EpollEvent{
			Events: syscall.EPOLLIN,
			Fd:     int32(watch),
		}); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}

// eventLoop accepts new connections and feeds readable descriptors to the
// workers. Accepted sockets use EPOLLONESHOT so only one worker ever owns a
// descriptor at a time.
func (s *Server) eventLoop(l *epollLoop) error {
	events := make([]syscall.EpollEvent, maxEvents)
	for {
		n, err := syscall.EpollWait(l.epollFd, events, -1)
		if err != nil {
			if err == syscall.EINTR {
				continue
			}
			close(l.jobs)
			return errors.Trace(err)
		}

		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			switch fd {
			case l.wakeR:
				close(l.jobs)
				return nil
			case l.listenFd:
				s.accept(l)
			default:
				l.jobs <- fd
			}
		}

		if l.closing.Load() {
			close(l.jobs)
			return nil
		}
	}
}

func (s *Server) accept(l *epollLoop) {
	for {
		nfd, _, err := syscall.Accept(l.listenFd)
		if err != nil {
			return
		}
		syscall.SetNonblock(nfd, true)

		if _, ok := s.table.add(nfd); !ok {
			// At the connection cap; shed the new client.
			s.log.Warn().Int("fd", nfd).Msg("connection limit reached")
			syscall.Write(nfd, plainResponse(503, "too many connections", true).render())
			syscall.Close(nfd)
			continue
		}
		atomic.AddInt64(&s.activeConns, 1)
		atomic.AddUint64(&s.totalConns, 1)

		if err := syscall.EpollCtl(l.epollFd, syscall.EPOLL_CTL_ADD, nfd, &syscall.EpollEvent{
			Events: syscall.EPOLLIN | syscall.EPOLLONESHOT,
			Fd:     int32(nfd),
		}); err != nil {
			s.closeConn(l, nfd)
		}
	}
}

// worker drains readable descriptors, feeding bytes through the parser and
// the router.
func (s *Server) worker(l *epollLoop) {
	defer l.wg.Done()
	for fd := range l.jobs {
		c := s.table.get(fd)
		if c == nil || !c.acquire() {
			// Gone, or the sweeper is tearing it down.
			continue
		}
		c.ensureBuf()

		n, err := syscall.Read(fd, (*c.buf)[c.offset:])
		if (err != nil && err != syscall.EAGAIN) || n == 0 {
			s.closeConn(l, fd)
			continue
		}

		keepOpen := true
		if n > 0 {
			c.offset += n
			c.touch()
			keepOpen = s.handleReadable(c, func(out []byte) error {
				return writeAll(fd, out)
			})
		}

		if !keepOpen {
			s.closeConn(l, fd)
			continue
		}

		// Idle keep-alive connections give their buffer back to the pool.
		if c.offset == 0 {
			c.releaseBuf()
		}

		// Release before re-arming: once the descriptor is armed another
		// worker may receive it.
		c.release()
		syscall.EpollCtl(l.epollFd, syscall.EPOLL_CTL_MOD, fd, &syscall.EpollEvent{
			Events: syscall.EPOLLIN | syscall.EPOLLONESHOT,
			Fd:     int32(fd),
		})
	}
}

func (s *Server) closeConn(l *epollLoop, fd int) {
	syscall.EpollCtl(l.epollFd, syscall.EPOLL_CTL_DEL, fd, nil)
	s.table.remove(fd)
	syscall.Close(fd)
	atomic.AddInt64(&s.activeConns, -1)
}

// sweeper periodically closes connections idle past the keep-alive timeout.
func (s *Server) sweeper(l *epollLoop) {
	interval := 30 * time.Second
	if v, err := s.store.GetInt(config.SectionServer, "cleanup_interval"); err == nil {
		interval = time.Duration(v) * time.Second
	}
	timeout := 60 * time.Second
	if v, err := s.store.GetInt(config.SectionServer, "keepalive_timeout"); err == nil {
		timeout = time.Duration(v) * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for range ticker.C {
		if l.closing.Load() {
			return
		}
		for _, fd := range s.table.stale(timeout) {
			c := s.table.get(fd)
			if c == nil || !c.acquire() {
				// A worker claimed it between the scan and now.
				continue
			}
			s.log.Debug().Int("fd", fd).Msg("closing idle connection")
			s.closeConn(l, fd)
		}
	}
}

// writeAll handles short writes on the nonblocking socket.
func writeAll(fd int, out []byte) error {
	for len(out) > 0 {
		n, err := syscall.Write(fd, out)
		if err == syscall.EAGAIN {
			time.Sleep(time.Millisecond)
			continue
		}
		if err != nil {
			return errors.Trace(err)
		}
		out = out[n:]
	}
	return nil
}
