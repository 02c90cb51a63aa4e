package client_test

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/luma/respite/client"
	"github.com/luma/respite/internal/resptest"
	"github.com/luma/respite/protocol"
	"github.com/luma/respite/storage"
	"github.com/luma/respite/transport"
)

var _ = Describe("client / Conn against the mock endpoint", func() {
	var (
		tcp *transport.TCP
		ctx context.Context
	)

	dial := func() *client.Conn {
		conn, err := client.Dial(ctx, tcp.Addr(), client.Options{Log: zap.NewNop()})
		ExpectWithOffset(1, err).To(Succeed())
		return conn
	}

	BeforeEach(func() {
		ctx = context.Background()

		tcp = transport.NewTCP(transport.Options{
			Host:         "127.0.0.1",
			NumListeners: 1,
			Store:        storage.NewInmemoryStore(),
			Log:          zap.NewNop(),
		})
		Expect(tcp.Start(ctx)).To(Succeed())
	})

	AfterEach(func() {
		Expect(tcp.Close()).To(Succeed())
	})

	It("round trips values", func() {
		conn := dial()
		defer conn.Close()

		_, err := conn.Do(ctx, "MSET", map[string]interface{}{"a": 1, "b": "two"})
		Expect(err).To(Succeed())

		v, err := conn.Do(ctx, "MGET", "a", "b", "missing")
		Expect(err).To(Succeed())

		var got []*string
		Expect(client.Result{Command: "MGET", Value: v}.Scan(&got)).To(Succeed())
		Expect(got).To(HaveLen(3))
		Expect(*got[0]).To(Equal("1"))
		Expect(*got[1]).To(Equal("two"))
		Expect(got[2]).To(BeNil())

		v, err = conn.Do(ctx, "INCRBY", "a", 41)
		Expect(err).To(Succeed())
		Expect(v).To(resptest.EqualValue(protocol.Int(42)))

		_, err = conn.Do(ctx, "INCR", "b")
		serr, isServerError := protocol.AsServerError(err)
		Expect(isServerError).To(BeTrue())
		Expect(serr.Kind).To(Equal("ERR"))
	})

	It("keeps replies matched under concurrent use", func() {
		conn := dial()
		defer conn.Close()

		var wg sync.WaitGroup
		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func(i int) {
				defer GinkgoRecover()
				defer wg.Done()

				key := "key:" + strconv.Itoa(i)
				_, err := conn.Do(ctx, "SET", key, i)
				Expect(err).To(Succeed())

				v, err := conn.Do(ctx, "GET", key)
				Expect(err).To(Succeed())
				Expect(string(v.Str)).To(Equal(strconv.Itoa(i)))

				_, err = conn.Do(ctx, "INCR", "counter")
				Expect(err).To(Succeed())
			}(i)
		}
		wg.Wait()

		v, err := conn.Do(ctx, "GET", "counter")
		Expect(err).To(Succeed())
		Expect(string(v.Str)).To(Equal("50"))
	})

	It("runs atomic pipelines", func() {
		conn := dial()
		defer conn.Close()

		results, err := conn.Pipeline().Atomic().
			Cmd("SET", "k", "v").Ignore().
			Cmd("INCR", "n").
			Cmd("GET", "k").
			Exec(ctx)
		Expect(err).To(Succeed())
		Expect(results).To(HaveLen(2))
		Expect(results[0].Value).To(resptest.EqualValue(protocol.Int(1)))
		Expect(string(results[1].Value.Str)).To(Equal("v"))
	})

	Describe("Transaction()", func() {
		It("retries when a watched key changes", func() {
			conn, other := dial(), dial()
			defer conn.Close()
			defer other.Close()

			_, err := conn.Do(ctx, "SET", "balance", 1)
			Expect(err).To(Succeed())

			attempts := 0
			results, err := conn.Transaction(ctx, []string{"balance"}, func(ctx context.Context, tx *client.Tx) error {
				attempts++

				v, err := tx.Do(ctx, "GET", "balance")
				if err != nil {
					return err
				}

				var balance int64
				if err := (client.Result{Value: v}).Scan(&balance); err != nil {
					return err
				}

				if attempts == 1 {
					if _, err := other.Do(ctx, "SET", "balance", 10); err != nil {
						return err
					}
				}

				tx.Queue("SET", "balance", balance*2)
				return nil
			})
			Expect(err).To(Succeed())
			Expect(results).To(HaveLen(1))
			Expect(attempts).To(Equal(2))

			v, err := conn.Do(ctx, "GET", "balance")
			Expect(err).To(Succeed())
			Expect(string(v.Str)).To(Equal("20"))
		})

		It("unwatches and returns the error of the function", func() {
			conn := dial()
			defer conn.Close()

			boom := errors.New("boom")
			_, err := conn.Transaction(ctx, []string{"k"}, func(context.Context, *client.Tx) error {
				return boom
			})
			Expect(errors.Is(err, boom)).To(BeTrue())
			Expect(conn.Mode()).To(Equal(client.ModeNormal))

			_, err = conn.Do(ctx, "SET", "k", "v")
			Expect(err).To(Succeed())
		})
	})

	Describe("RunScript()", func() {
		It("switches to EVALSHA and falls back after SCRIPT FLUSH", func() {
			conn, other := dial(), dial()
			defer conn.Close()
			defer other.Close()

			script := client.NewScript("return redis.call('INCRBY', KEYS[1], ARGV[1])")

			v, err := script.Run(ctx, conn, []string{"n"}, 2)
			Expect(err).To(Succeed())
			Expect(v).To(resptest.EqualValue(protocol.Int(2)))
			Expect(conn.Stats().Scripts).To(Equal(1))

			v, err = conn.Do(ctx, "SCRIPT", "EXISTS", script.Hash())
			Expect(err).To(Succeed())
			Expect(v).To(resptest.EqualValue(protocol.Array(protocol.Int(1))))

			_, err = other.Do(ctx, "SCRIPT", "FLUSH")
			Expect(err).To(Succeed())

			v, err = script.Run(ctx, conn, []string{"n"}, 3)
			Expect(err).To(Succeed())
			Expect(v).To(resptest.EqualValue(protocol.Int(5)))
			Expect(conn.Stats().Scripts).To(Equal(1))
		})

		It("loads scripts ahead of time", func() {
			conn := dial()
			defer conn.Close()

			script := client.NewScript("return ARGV[1]")
			Expect(script.Load(ctx, conn)).To(Succeed())

			v, err := conn.Do(ctx, "EVALSHA", script.Hash(), 0, "hi")
			Expect(err).To(Succeed())
			Expect(string(v.Str)).To(Equal("hi"))
		})

		It("reports script errors", func() {
			conn := dial()
			defer conn.Close()

			_, err := conn.RunScript(ctx, client.NewScript("return redis.error_reply('NOPE not today')"), nil)
			serr, isServerError := protocol.AsServerError(err)
			Expect(isServerError).To(BeTrue())
			Expect(serr.Kind).To(Equal("NOPE"))
			Expect(conn.Stats().Scripts).To(BeZero())
		})
	})

	Describe("pub/sub", func() {
		It("receives channel and pattern messages", func() {
			conn, publisher := dial(), dial()
			defer conn.Close()
			defer publisher.Close()

			sub, err := conn.Subscribe(ctx, "news")
			Expect(err).To(Succeed())
			Expect(sub.PSubscribe(ctx, "ne*")).To(Succeed())

			v, err := publisher.Do(ctx, "PUBLISH", "news", "hi")
			Expect(err).To(Succeed())
			Expect(v).To(resptest.EqualValue(protocol.Int(2)))

			var msgs []client.Message
			for i := 0; i < 2; i++ {
				rctx, cancel := context.WithTimeout(ctx, 5*time.Second)
				msg, err := sub.Receive(rctx)
				cancel()
				Expect(err).To(Succeed())
				msgs = append(msgs, msg)
			}

			Expect(msgs).To(ConsistOf(
				client.Message{Kind: "message", Channel: "news", Payload: []byte("hi")},
				client.Message{Kind: "pmessage", Pattern: "ne*", Channel: "news", Payload: []byte("hi")},
			))

			Expect(sub.Ping(ctx)).To(Succeed())
			Expect(sub.Close(ctx)).To(Succeed())
			Expect(conn.Mode()).To(Equal(client.ModeNormal))

			_, err = conn.Do(ctx, "SET", "k", "v")
			Expect(err).To(Succeed())
		})

		It("uses push frames after HELLO 3", func() {
			conn, publisher := dial(), dial()
			defer conn.Close()
			defer publisher.Close()

			hello, err := conn.Do(ctx, "HELLO", 3)
			Expect(err).To(Succeed())
			Expect(hello.Kind).To(Equal(protocol.KindMap))

			sub, err := conn.Subscribe(ctx, "events")
			Expect(err).To(Succeed())

			_, err = publisher.Do(ctx, "PUBLISH", "events", "ping")
			Expect(err).To(Succeed())

			var msg client.Message
			Eventually(sub.Channel(), 5*time.Second).Should(Receive(&msg))
			Expect(msg.Channel).To(Equal("events"))
			Expect(string(msg.Payload)).To(Equal("ping"))

			Expect(sub.Close(ctx)).To(Succeed())
		})
	})

	It("interoperates with go-redis", func() {
		conn := dial()
		defer conn.Close()

		rdb := redis.NewClient(&redis.Options{
			Addr:            tcp.Addr(),
			Protocol:        2,
			DisableIdentity: true,
		})
		defer rdb.Close()

		Expect(rdb.Set(ctx, "shared", "from go-redis", 0).Err()).To(Succeed())

		v, err := conn.Do(ctx, "GET", "shared")
		Expect(err).To(Succeed())
		Expect(string(v.Str)).To(Equal("from go-redis"))

		pubsub := rdb.Subscribe(ctx, "events")
		defer pubsub.Close()
		_, err = pubsub.Receive(ctx)
		Expect(err).To(Succeed())

		_, err = conn.Do(ctx, "PUBLISH", "events", "from respite")
		Expect(err).To(Succeed())

		var msg *redis.Message
		Eventually(pubsub.Channel(), 5*time.Second).Should(Receive(&msg))
		Expect(msg.Payload).To(Equal("from respite"))
	})
})
