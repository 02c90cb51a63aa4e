package client_test

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/luma/respite/client"
	"github.com/luma/respite/internal/resptest"
	"github.com/luma/respite/protocol"
)

var (
	ok     = protocol.Status("OK")
	queued = protocol.Status("QUEUED")
)

func bulk(s string) protocol.Value {
	return protocol.BulkString(s)
}

type outcome struct {
	value protocol.Value
	err   error
}

func isStateError(err error) bool {
	var serr *protocol.StateError
	return errors.As(err, &serr)
}

var _ = Describe("client / Conn against a scripted server", func() {
	var (
		conn *client.Conn
		peer *resptest.Peer
		ctx  context.Context
	)

	BeforeEach(func() {
		ctx = context.Background()

		rwc, p := resptest.Pipe()
		peer = p
		conn = client.New(rwc, client.Options{Log: zap.NewNop()})
	})

	AfterEach(func() {
		conn.Close()
		peer.Close()
	})

	execute := func(args ...string) <-chan outcome {
		done := make(chan outcome, 1)
		go func() {
			v, err := conn.Execute(ctx, protocol.CommandFromStrings(args...))
			done <- outcome{v, err}
		}()
		return done
	}

	receive := func(done <-chan outcome) outcome {
		var out outcome
		EventuallyWithOffset(1, done, 5*time.Second).Should(Receive(&out))
		return out
	}

	Describe("Execute()", func() {
		It("matches replies to commands in order", func() {
			a := execute("GET", "a")
			peer.ExpectCommand("GET", "a")
			b := execute("GET", "b")
			peer.ExpectCommand("GET", "b")

			Expect(peer.Reply(bulk("1"), bulk("2"))).To(Succeed())

			Expect(receive(a).value).To(resptest.EqualValue(bulk("1")))
			Expect(receive(b).value).To(resptest.EqualValue(bulk("2")))
		})

		It("keeps replies in order for concurrent callers", func() {
			const callers = 100

			go func() {
				defer GinkgoRecover()

				for i := 0; i < callers; i++ {
					cmd, err := peer.Reader.ReadCommand()
					Expect(err).To(Succeed())
					Expect(peer.Reply(protocol.Bulk(cmd.Args()[1]))).To(Succeed())
				}
			}()

			var wg sync.WaitGroup
			for i := 0; i < callers; i++ {
				wg.Add(1)
				go func(i int) {
					defer GinkgoRecover()
					defer wg.Done()

					want := strconv.Itoa(i)
					v, err := conn.Execute(ctx, protocol.CommandFromStrings("ECHO", want))
					Expect(err).To(Succeed())
					Expect(string(v.Str)).To(Equal(want))
				}(i)
			}
			wg.Wait()

			Eventually(func() uint64 { return conn.Stats().Written }).Should(Equal(uint64(callers)))
			Expect(conn.Stats().Replies).To(Equal(uint64(callers)))
			Expect(conn.Stats().Pending).To(BeZero())
		})

		It("returns server errors and stays usable", func() {
			a := execute("INCR", "s")
			peer.ExpectCommand("INCR", "s")
			Expect(peer.Reply(protocol.ErrorReply("WRONGTYPE", "Operation against a key holding the wrong kind of value"))).To(Succeed())

			out := receive(a)
			serr, isServerError := protocol.AsServerError(out.err)
			Expect(isServerError).To(BeTrue())
			Expect(serr.IsWrongType()).To(BeTrue())
			Expect(out.value.IsError()).To(BeTrue())

			b := execute("PING")
			peer.ExpectCommand("PING")
			Expect(peer.Reply(protocol.Status("PONG"))).To(Succeed())
			Expect(receive(b).err).To(Succeed())
			Expect(conn.Err()).To(Succeed())
		})

		It("lets callers abandon a wait without losing the reply order", func() {
			cctx, cancel := context.WithCancel(ctx)

			abandoned := make(chan error, 1)
			go func() {
				_, err := conn.Execute(cctx, protocol.CommandFromStrings("GET", "a"))
				abandoned <- err
			}()
			peer.ExpectCommand("GET", "a")

			cancel()
			Eventually(abandoned).Should(Receive(MatchError(context.Canceled)))

			b := execute("GET", "b")
			peer.ExpectCommand("GET", "b")
			Expect(peer.Reply(bulk("late a"), bulk("b"))).To(Succeed())

			Expect(receive(b).value).To(resptest.EqualValue(bulk("b")))
		})

		It("builds commands from Go values", func() {
			done := make(chan outcome, 1)
			go func() {
				v, err := conn.Do(ctx, "SET", "k", 42, []byte("raw"), 1.5, true)
				done <- outcome{v, err}
			}()

			peer.ExpectCommand("SET", "k", "42", "raw", "1.5", "1")
			Expect(peer.Reply(ok)).To(Succeed())
			Expect(receive(done).err).To(Succeed())
		})
	})

	Describe("ExecuteBatch()", func() {
		It("returns a result per command and combines their errors", func() {
			type batch struct {
				results []client.Result
				err     error
			}

			done := make(chan batch, 1)
			go func() {
				results, err := conn.ExecuteBatch(ctx, []protocol.Command{
					protocol.CommandFromStrings("SET", "k", "v"),
					protocol.CommandFromStrings("INCR", "k"),
					protocol.CommandFromStrings("EXISTS", "k"),
				})
				done <- batch{results, err}
			}()

			peer.ExpectCommand("SET", "k", "v")
			peer.ExpectCommand("INCR", "k")
			peer.ExpectCommand("EXISTS", "k")
			Expect(peer.Reply(ok, protocol.ErrorReply("ERR", "value is not an integer or out of range"), protocol.Int(1))).To(Succeed())

			var out batch
			Eventually(done).Should(Receive(&out))

			Expect(out.err).To(HaveOccurred())
			Expect(out.results).To(HaveLen(3))
			Expect(out.results[0].Err).To(Succeed())
			Expect(out.results[1].Err).To(HaveOccurred())

			var exists bool
			Expect(out.results[2].Scan(&exists)).To(Succeed())
			Expect(exists).To(BeTrue())
		})
	})

	Describe("failures", func() {
		It("poisons the connection when a reply has no command", func() {
			Expect(peer.Reply(ok)).To(Succeed())

			Eventually(conn.Done()).Should(BeClosed())
			Expect(errors.Is(conn.Err(), protocol.ErrProtocol)).To(BeTrue())

			_, err := conn.Execute(ctx, protocol.CommandFromStrings("PING"))
			Expect(errors.Is(err, protocol.ErrProtocol)).To(BeTrue())
		})

		It("fails pending callers on malformed replies", func() {
			a := execute("GET", "a")
			peer.ExpectCommand("GET", "a")
			Expect(peer.ReplyRaw("?what\r\n")).To(Succeed())

			Expect(errors.Is(receive(a).err, protocol.ErrProtocol)).To(BeTrue())
			Expect(errors.Is(conn.Err(), protocol.ErrProtocol)).To(BeTrue())
		})

		It("fails pending callers when the server hangs up", func() {
			a := execute("GET", "a")
			peer.ExpectCommand("GET", "a")
			Expect(peer.Close()).To(Succeed())

			Expect(receive(a).err).To(HaveOccurred())
			Eventually(conn.Done()).Should(BeClosed())
		})

		It("fails everything with ErrClosed after Close", func() {
			a := execute("GET", "a")
			peer.ExpectCommand("GET", "a")

			Expect(conn.Close()).To(Succeed())
			Expect(receive(a).err).To(MatchError(client.ErrClosed))

			_, err := conn.Execute(ctx, protocol.CommandFromStrings("PING"))
			Expect(err).To(MatchError(client.ErrClosed))
		})

		It("refuses empty commands locally", func() {
			_, err := conn.Execute(ctx, protocol.CommandFromStrings())
			Expect(errors.Is(err, protocol.ErrProtocol)).To(BeTrue())
			Expect(conn.Err()).To(Succeed())
		})
	})

	Describe("transactions", func() {
		type pipelineOutcome struct {
			results []client.Result
			err     error
		}

		execPipeline := func(p *client.Pipeline) <-chan pipelineOutcome {
			done := make(chan pipelineOutcome, 1)
			go func() {
				results, err := p.Exec(ctx)
				done <- pipelineOutcome{results, err}
			}()
			return done
		}

		expectTransaction := func(cmds ...[]string) {
			peer.ExpectCommand("MULTI")
			for _, cmd := range cmds {
				peer.ExpectCommand(cmd...)
			}
			peer.ExpectCommand("EXEC")
		}

		It("refuses EXEC and DISCARD outside MULTI without writing them", func() {
			_, err := conn.Exec(ctx)
			Expect(isStateError(err)).To(BeTrue())
			Expect(isStateError(conn.Discard(ctx))).To(BeTrue())

			a := execute("PING")
			peer.ExpectCommand("PING")
			Expect(peer.Reply(protocol.Status("PONG"))).To(Succeed())
			Expect(receive(a).err).To(Succeed())
		})

		It("queues commands between Multi and Exec", func() {
			done := make(chan error, 1)
			go func() { done <- conn.Multi(ctx) }()
			peer.ExpectCommand("MULTI")
			Expect(peer.Reply(ok)).To(Succeed())
			Eventually(done).Should(Receive(BeNil()))
			Expect(conn.Mode()).To(Equal(client.ModeQueued))

			_, err := conn.Execute(ctx, protocol.CommandFromStrings("WATCH", "k"))
			Expect(isStateError(err)).To(BeTrue())

			set := execute("SET", "k", "v")
			peer.ExpectCommand("SET", "k", "v")
			Expect(peer.Reply(queued)).To(Succeed())
			Expect(receive(set).value).To(resptest.EqualValue(queued))

			type execOutcome struct {
				values []protocol.Value
				err    error
			}
			exec := make(chan execOutcome, 1)
			go func() {
				values, err := conn.Exec(ctx)
				exec <- execOutcome{values, err}
			}()
			peer.ExpectCommand("EXEC")
			Expect(peer.Reply(protocol.Array(ok))).To(Succeed())

			var out execOutcome
			Eventually(exec).Should(Receive(&out))
			Expect(out.err).To(Succeed())
			Expect(out.values).To(HaveLen(1))
			Expect(conn.Mode()).To(Equal(client.ModeNormal))
		})

		It("fans the EXEC reply out to an atomic pipeline", func() {
			done := execPipeline(conn.Pipeline().Atomic().
				Cmd("SET", "k", "v").Ignore().
				Cmd("INCR", "n").
				Cmd("GET", "k"))

			expectTransaction([]string{"SET", "k", "v"}, []string{"INCR", "n"}, []string{"GET", "k"})
			Expect(peer.Reply(ok, queued, queued, queued, protocol.Array(ok, protocol.Int(1), bulk("v")))).To(Succeed())

			var out pipelineOutcome
			Eventually(done).Should(Receive(&out))
			Expect(out.err).To(Succeed())
			Expect(out.results).To(HaveLen(2))
			Expect(out.results[0].Value).To(resptest.EqualValue(protocol.Int(1)))
			Expect(out.results[1].Value).To(resptest.EqualValue(bulk("v")))
			Expect(conn.Mode()).To(Equal(client.ModeNormal))
		})

		It("fails every command with ErrTxAborted when EXEC returns nil", func() {
			done := execPipeline(conn.Pipeline().Atomic().Cmd("SET", "k", "v"))

			expectTransaction([]string{"SET", "k", "v"})
			Expect(peer.Reply(ok, queued, protocol.Nil())).To(Succeed())

			var out pipelineOutcome
			Eventually(done).Should(Receive(&out))
			Expect(out.err).To(MatchError(client.ErrTxAborted))
			Expect(out.results[0].Err).To(MatchError(client.ErrTxAborted))
		})

		It("reports queueing errors and EXECABORT", func() {
			done := execPipeline(conn.Pipeline().Atomic().Cmd("NOPE").Cmd("SET", "k", "v"))

			expectTransaction([]string{"NOPE"}, []string{"SET", "k", "v"})
			Expect(peer.Reply(
				ok,
				protocol.ErrorReply("ERR", "unknown command 'nope'"),
				queued,
				protocol.ErrorReply("EXECABORT", "Transaction discarded because of previous errors."),
			)).To(Succeed())

			var out pipelineOutcome
			Eventually(done).Should(Receive(&out))

			serr, _ := protocol.AsServerError(out.err)
			Expect(serr.IsExecAbort()).To(BeTrue())

			first, _ := protocol.AsServerError(out.results[0].Err)
			Expect(first.Kind).To(Equal("ERR"))

			second, _ := protocol.AsServerError(out.results[1].Err)
			Expect(second.IsExecAbort()).To(BeTrue())
		})

		It("fails queued commands with ErrTxDiscarded on DISCARD", func() {
			done := execPipeline(conn.Pipeline().Atomic().
				Cmd("SET", "k", "v").
				Command(protocol.NewCommand("DISCARD")))

			peer.ExpectCommand("MULTI")
			peer.ExpectCommand("SET", "k", "v")
			peer.ExpectCommand("DISCARD")
			Expect(peer.Reply(ok, queued, ok)).To(Succeed())

			var out pipelineOutcome
			Eventually(done).Should(Receive(&out))

			// EXEC is refused locally once DISCARD closed the transaction.
			Expect(isStateError(out.err)).To(BeTrue())
			Expect(out.results[0].Err).To(MatchError(client.ErrTxDiscarded))
			Expect(conn.Mode()).To(Equal(client.ModeNormal))
		})

		It("treats an EXEC reply of the wrong length as a desync", func() {
			done := execPipeline(conn.Pipeline().Atomic().Cmd("SET", "k", "v"))

			expectTransaction([]string{"SET", "k", "v"})
			Expect(peer.Reply(ok, queued, protocol.Array(ok, ok))).To(Succeed())

			var out pipelineOutcome
			Eventually(done).Should(Receive(&out))
			Expect(errors.Is(out.err, protocol.ErrProtocol)).To(BeTrue())
			Eventually(conn.Done()).Should(BeClosed())
		})
	})

	Describe("pub/sub", func() {
		subscribe := func(args ...string) *client.Subscription {
			done := make(chan *client.Subscription, 1)
			go func() {
				defer GinkgoRecover()

				sub, err := conn.Subscribe(ctx, args...)
				Expect(err).To(Succeed())
				done <- sub
			}()

			peer.ExpectCommand(append([]string{"SUBSCRIBE"}, args...)...)
			for i, name := range args {
				Expect(peer.Reply(protocol.Push("subscribe", bulk(name), protocol.Int(int64(i+1))))).To(Succeed())
			}

			var sub *client.Subscription
			Eventually(done).Should(Receive(&sub))
			return sub
		}

		It("delivers RESP2 messages and returns to normal mode once unsubscribed", func() {
			sub := subscribe("a", "b")
			Expect(conn.Mode()).To(Equal(client.ModeSubscribed))
			Expect(conn.Stats().Channels).To(Equal(2))

			Expect(peer.Reply(protocol.Array(bulk("message"), bulk("a"), bulk("hi")))).To(Succeed())

			msg, err := sub.Receive(ctx)
			Expect(err).To(Succeed())
			Expect(msg).To(Equal(client.Message{Kind: "message", Channel: "a", Payload: []byte("hi")}))

			_, err = conn.Execute(ctx, protocol.CommandFromStrings("GET", "k"))
			Expect(isStateError(err)).To(BeTrue())

			ping := execute("PING")
			peer.ExpectCommand("PING")
			Expect(peer.Reply(protocol.Array(bulk("pong"), bulk("")))).To(Succeed())
			Expect(receive(ping).err).To(Succeed())

			closed := make(chan error, 1)
			go func() { closed <- sub.Close(ctx) }()

			peer.ExpectCommand("UNSUBSCRIBE")
			peer.ExpectCommand("PUNSUBSCRIBE")
			Expect(peer.Reply(
				protocol.Push("unsubscribe", bulk("a"), protocol.Int(1)),
				protocol.Push("unsubscribe", bulk("b"), protocol.Int(0)),
				protocol.Push("punsubscribe", protocol.Nil(), protocol.Int(0)),
			)).To(Succeed())

			Eventually(closed).Should(Receive(BeNil()))
			Expect(conn.Mode()).To(Equal(client.ModeNormal))
			Eventually(sub.Channel()).Should(BeClosed())

			_, err = sub.Receive(ctx)
			Expect(err).To(MatchError(client.ErrSubscriptionClosed))
		})

		It("routes RESP3 push frames", func() {
			peer.SetVersion(protocol.RESP3)

			done := make(chan *client.Subscription, 1)
			go func() {
				defer GinkgoRecover()

				sub, err := conn.PSubscribe(ctx, "news.*")
				Expect(err).To(Succeed())
				done <- sub
			}()

			peer.ExpectCommand("PSUBSCRIBE", "news.*")
			Expect(peer.Reply(protocol.Push("psubscribe", bulk("news.*"), protocol.Int(1)))).To(Succeed())

			var sub *client.Subscription
			Eventually(done).Should(Receive(&sub))

			Expect(peer.Reply(protocol.Push("pmessage", bulk("news.*"), bulk("news.sport"), bulk("goal")))).To(Succeed())

			var msg client.Message
			Eventually(sub.Channel()).Should(Receive(&msg))
			Expect(msg.Pattern).To(Equal("news.*"))
			Expect(msg.Channel).To(Equal("news.sport"))
			Expect(string(msg.Payload)).To(Equal("goal"))
		})

		It("keeps a message shaped reply with the command written before SUBSCRIBE", func() {
			type batch struct {
				results []client.Result
				err     error
			}

			done := make(chan batch, 1)
			go func() {
				results, err := conn.ExecuteBatch(ctx, []protocol.Command{
					protocol.CommandFromStrings("LRANGE", "l", "0", "-1"),
					protocol.CommandFromStrings("SUBSCRIBE", "ch"),
				})
				done <- batch{results, err}
			}()

			peer.ExpectCommand("LRANGE", "l", "0", "-1")
			peer.ExpectCommand("SUBSCRIBE", "ch")

			list := protocol.Array(bulk("message"), bulk("x"), bulk("y"))
			Expect(peer.Reply(list, protocol.Push("subscribe", bulk("ch"), protocol.Int(1)))).To(Succeed())

			var out batch
			Eventually(done, 5*time.Second).Should(Receive(&out))

			Expect(out.err).To(Succeed())
			Expect(out.results).To(HaveLen(2))
			Expect(out.results[0].Value).To(resptest.EqualValue(list))
			Expect(out.results[1].Err).To(Succeed())

			Expect(conn.Mode()).To(Equal(client.ModeSubscribed))
			Expect(conn.Stats().Channels).To(Equal(1))
		})

		It("treats a push frame outside of pub/sub as a desync", func() {
			peer.SetVersion(protocol.RESP3)
			Expect(peer.Reply(protocol.Push("message", bulk("a"), bulk("b")))).To(Succeed())

			Eventually(conn.Done()).Should(BeClosed())
			Expect(errors.Is(conn.Err(), protocol.ErrProtocol)).To(BeTrue())
		})

		It("closes the subscription when the connection dies", func() {
			sub := subscribe("a")

			Expect(peer.Close()).To(Succeed())
			Eventually(sub.Channel()).Should(BeClosed())
		})
	})
	Describe("RunScript()", func() {
		It("sends EVAL first, then EVALSHA, and retries NOSCRIPT with EVAL", func() {
			script := client.NewScript("return redis.call('INCRBY', KEYS[1], ARGV[1])")

			run := func(arg string) <-chan outcome {
				done := make(chan outcome, 1)
				go func() {
					v, err := conn.RunScript(ctx, script, []string{"n"}, arg)
					done <- outcome{v, err}
				}()
				return done
			}

			first := run("1")
			peer.ExpectCommand("EVAL", script.Body(), "1", "n", "1")
			Expect(peer.Reply(protocol.Int(1))).To(Succeed())
			Expect(receive(first).value).To(resptest.EqualValue(protocol.Int(1)))
			Expect(conn.Stats().Scripts).To(Equal(1))

			second := run("2")
			peer.ExpectCommand("EVALSHA", script.Hash(), "1", "n", "2")
			Expect(peer.Reply(protocol.Int(3))).To(Succeed())
			Expect(receive(second).value).To(resptest.EqualValue(protocol.Int(3)))

			third := run("4")
			peer.ExpectCommand("EVALSHA", script.Hash(), "1", "n", "4")
			Expect(peer.Reply(protocol.ErrorReply("NOSCRIPT", "No matching script. Please use EVAL."))).To(Succeed())
			Consistently(third, 50*time.Millisecond).ShouldNot(Receive())

			peer.ExpectCommand("EVAL", script.Body(), "1", "n", "4")
			Expect(peer.Reply(protocol.Int(7))).To(Succeed())

			out := receive(third)
			Expect(out.err).To(Succeed())
			Expect(out.value).To(resptest.EqualValue(protocol.Int(7)))
			Expect(conn.Stats().Scripts).To(Equal(1))
		})
	})
})
