package convert_test

import (
	"errors"
	"math"
	"math/big"

	. "github.com/onsi/ginkgo"
	"github.com/onsi/ginkgo/extensions/table"
	. "github.com/onsi/gomega"

	"github.com/luma/respite/convert"
	"github.com/luma/respite/protocol"
)

type point struct {
	X, Y int64
}

func (p *point) ScanValue(v protocol.Value) error {
	var xy []int64
	if err := convert.Scan(v, &xy); err != nil {
		return err
	}
	if len(xy) != 2 {
		return errors.New("point needs two coordinates")
	}
	p.X, p.Y = xy[0], xy[1]
	return nil
}

func isMismatch(err error) bool {
	var mismatch *protocol.TypeMismatchError
	return errors.As(err, &mismatch)
}

var _ = Describe("Scan()", func() {
	Describe("error replies", func() {
		errReply := protocol.ErrorReply("WRONGTYPE", "Operation against a key holding the wrong kind of value")

		table.DescribeTable("fail with the server error for every destination",
			func(dst interface{}) {
				err := convert.Scan(errReply, dst)

				serr, ok := protocol.AsServerError(err)
				Expect(ok).To(BeTrue())
				Expect(serr.IsWrongType()).To(BeTrue())
			},
			table.Entry("string", new(string)),
			table.Entry("int", new(int)),
			table.Entry("value", new(protocol.Value)),
			table.Entry("interface", new(interface{})),
			table.Entry("discard", convert.Discard),
			table.Entry("nil", nil),
		)

		It("fails a sequence when one element is an error", func() {
			var ss []string
			err := convert.Scan(protocol.Array(protocol.BulkString("a"), errReply), &ss)
			_, ok := protocol.AsServerError(err)
			Expect(ok).To(BeTrue())
		})
	})

	Describe("integers", func() {
		It("accepts integer, numeric string and big number replies", func() {
			var n int64
			Expect(convert.Scan(protocol.Int(42), &n)).To(Succeed())
			Expect(n).To(Equal(int64(42)))

			Expect(convert.Scan(protocol.BulkString("-7"), &n)).To(Succeed())
			Expect(n).To(Equal(int64(-7)))

			Expect(convert.Scan(protocol.BigNumber("9000000000"), &n)).To(Succeed())
			Expect(n).To(Equal(int64(9000000000)))
		})

		It("rejects values that do not fit the target", func() {
			var small int8
			Expect(isMismatch(convert.Scan(protocol.Int(300), &small))).To(BeTrue())

			var u uint
			Expect(isMismatch(convert.Scan(protocol.Int(-1), &u))).To(BeTrue())

			var n int64
			Expect(isMismatch(convert.Scan(protocol.BigNumber("99999999999999999999"), &n))).To(BeTrue())
			Expect(isMismatch(convert.Scan(protocol.BulkString("12abc"), &n))).To(BeTrue())
		})

		It("rejects nil", func() {
			var n int
			Expect(isMismatch(convert.Scan(protocol.Nil(), &n))).To(BeTrue())
		})
	})

	Describe("floats", func() {
		table.DescribeTable("accepts numeric replies",
			func(v protocol.Value, want float64) {
				f, err := convert.Float64(v)
				Expect(err).To(Succeed())
				Expect(f).To(Equal(want))
			},
			table.Entry("double", protocol.Double(2.5), 2.5),
			table.Entry("integer", protocol.Int(3), 3.0),
			table.Entry("bulk", protocol.BulkString("0.125"), 0.125),
			table.Entry("inf", protocol.BulkString("inf"), math.Inf(1)),
			table.Entry("-inf", protocol.BulkString("-inf"), math.Inf(-1)),
		)

		It("honours nan", func() {
			f, err := convert.Float64(protocol.BulkString("nan"))
			Expect(err).To(Succeed())
			Expect(math.IsNaN(f)).To(BeTrue())
		})
	})

	Describe("strings", func() {
		table.DescribeTable("accepts string-like replies",
			func(v protocol.Value, want string) {
				s, err := convert.String(v)
				Expect(err).To(Succeed())
				Expect(s).To(Equal(want))

				b, err := convert.Bytes(v)
				Expect(err).To(Succeed())
				Expect(string(b)).To(Equal(want))
			},
			table.Entry("bulk", protocol.BulkString("hi"), "hi"),
			table.Entry("status", protocol.Status("OK"), "OK"),
			table.Entry("verbatim content only", protocol.Verbatim("txt", "body"), "body"),
			table.Entry("big number digits", protocol.BigNumber("123"), "123"),
		)

		It("rejects nil unless the target is optional", func() {
			var s string
			Expect(isMismatch(convert.Scan(protocol.Nil(), &s))).To(BeTrue())

			opt := new(string)
			Expect(convert.Scan(protocol.Nil(), &opt)).To(Succeed())
			Expect(opt).To(BeNil())

			Expect(convert.Scan(protocol.BulkString("v"), &opt)).To(Succeed())
			Expect(*opt).To(Equal("v"))
		})

		It("rejects integers", func() {
			_, err := convert.String(protocol.Int(1))
			Expect(isMismatch(err)).To(BeTrue())
		})
	})

	Describe("booleans", func() {
		It("always accepts RESP3 booleans", func() {
			b, err := convert.Bool("", protocol.Bool(true))
			Expect(err).To(Succeed())
			Expect(b).To(BeTrue())
		})

		It("rejects integers without command metadata", func() {
			_, err := convert.Bool("", protocol.Int(1))
			Expect(isMismatch(err)).To(BeTrue())

			_, err = convert.Bool("GET", protocol.Int(1))
			Expect(isMismatch(err)).To(BeTrue())
		})

		table.DescribeTable("follows the command's convention",
			func(cmd string, v protocol.Value, want bool) {
				b, err := convert.Bool(cmd, v)
				Expect(err).To(Succeed())
				Expect(b).To(Equal(want))
			},
			table.Entry("EXISTS 1", "EXISTS", protocol.Int(1), true),
			table.Entry("EXISTS 0", "exists", protocol.Int(0), false),
			table.Entry("SETNX", "SETNX", protocol.Int(1), true),
			table.Entry("EXPIRE", "EXPIRE", protocol.Int(0), false),
			table.Entry("SISMEMBER", "SISMEMBER", protocol.Int(1), true),
			table.Entry("HSETNX", "HSETNX", protocol.Int(1), true),
			table.Entry("MSETNX", "MSETNX", protocol.Int(0), false),
			table.Entry("PERSIST", "PERSIST", protocol.Int(1), true),
			table.Entry("bulk one", "EXISTS", protocol.BulkString("1"), true),
			table.Entry("SET OK", "SET", protocol.Status("OK"), true),
			table.Entry("SET NX lost", "SET", protocol.Nil(), false),
		)

		It("converts arrays element by element", func() {
			var loaded []bool
			Expect(convert.ScanCommand("SCRIPT", protocol.Array(protocol.Int(1), protocol.Int(0)), &loaded)).To(Succeed())
			Expect(loaded).To(Equal([]bool{true, false}))
		})
	})

	Describe("sequences", func() {
		It("accepts arrays, sets, maps and push payloads", func() {
			for _, v := range []protocol.Value{
				protocol.Array(protocol.BulkString("a"), protocol.BulkString("b")),
				protocol.Set(protocol.BulkString("a"), protocol.BulkString("b")),
				protocol.Map(protocol.Pair{Key: protocol.BulkString("a"), Value: protocol.BulkString("b")}),
				protocol.Push("message", protocol.BulkString("a"), protocol.BulkString("b")),
			} {
				ss, err := convert.Strings(v)
				Expect(err).To(Succeed())
				Expect(ss).To(Equal([]string{"a", "b"}))
			}
		})

		It("turns nil into an empty slice", func() {
			ss, err := convert.Strings(protocol.Nil())
			Expect(err).To(Succeed())
			Expect(ss).To(BeEmpty())
		})

		It("keeps nil elements behind optional targets", func() {
			var vals []*string
			Expect(convert.Scan(protocol.Array(protocol.BulkString("a"), protocol.Nil()), &vals)).To(Succeed())
			Expect(vals).To(HaveLen(2))
			Expect(*vals[0]).To(Equal("a"))
			Expect(vals[1]).To(BeNil())
		})

		It("fails the whole conversion when one element does", func() {
			var ns []int
			err := convert.Scan(protocol.Array(protocol.Int(1), protocol.BulkString("x")), &ns)
			Expect(isMismatch(err)).To(BeTrue())
		})

		It("fills fixed size arrays of the right length only", func() {
			var pair [2]string
			Expect(convert.Scan(protocol.Array(protocol.BulkString("k"), protocol.BulkString("v")), &pair)).To(Succeed())
			Expect(pair).To(Equal([2]string{"k", "v"}))

			Expect(isMismatch(convert.Scan(protocol.Array(protocol.BulkString("k")), &pair))).To(BeTrue())
		})
	})

	Describe("maps", func() {
		It("accepts map replies", func() {
			m, err := convert.StringMap(protocol.Map(
				protocol.Pair{Key: protocol.BulkString("a"), Value: protocol.BulkString("1")},
				protocol.Pair{Key: protocol.BulkString("a"), Value: protocol.BulkString("2")},
			))
			Expect(err).To(Succeed())
			Expect(m).To(Equal(map[string]string{"a": "2"}))
		})

		It("accepts flat field/value arrays", func() {
			var m map[string]int
			Expect(convert.Scan(protocol.Array(
				protocol.BulkString("x"), protocol.BulkString("1"),
				protocol.BulkString("y"), protocol.Int(2),
			), &m)).To(Succeed())
			Expect(m).To(Equal(map[string]int{"x": 1, "y": 2}))
		})

		It("rejects odd arrays", func() {
			_, err := convert.StringMap(protocol.Array(protocol.BulkString("x")))
			Expect(isMismatch(err)).To(BeTrue())
		})
	})

	Describe("special destinations", func() {
		It("hands raw values to protocol.Value", func() {
			var v protocol.Value
			Expect(convert.Scan(protocol.Set(protocol.Int(1)), &v)).To(Succeed())
			Expect(v.Kind).To(Equal(protocol.KindSet))
		})

		It("builds natural Go values for interface{}", func() {
			var out interface{}
			Expect(convert.Scan(protocol.Array(
				protocol.Int(1),
				protocol.BulkString("s"),
				protocol.Nil(),
				protocol.Double(0.5),
				protocol.Bool(true),
				protocol.Map(protocol.Pair{Key: protocol.Status("k"), Value: protocol.Int(2)}),
			), &out)).To(Succeed())

			Expect(out).To(Equal([]interface{}{
				int64(1), "s", nil, 0.5, true, map[string]interface{}{"k": int64(2)},
			}))
		})

		It("parses big numbers", func() {
			n := new(big.Int)
			Expect(convert.Scan(protocol.BigNumber("-123456789012345678901234567890"), n)).To(Succeed())
			Expect(n.String()).To(Equal("-123456789012345678901234567890"))

			var viaReflect struct{ N big.Int }
			Expect(convert.Scan(protocol.Int(5), &viaReflect.N)).To(Succeed())
			Expect(viaReflect.N.Int64()).To(Equal(int64(5)))
		})

		It("discards anything but errors", func() {
			Expect(convert.Scan(protocol.Array(protocol.Nil()), convert.Discard)).To(Succeed())
			Expect(convert.Scan(protocol.Int(1), nil)).To(Succeed())
		})

		It("lets types scan themselves", func() {
			var p point
			Expect(convert.Scan(protocol.Array(protocol.Int(3), protocol.Int(4)), &p)).To(Succeed())
			Expect(p).To(Equal(point{X: 3, Y: 4}))

			var ps []point
			Expect(convert.Scan(protocol.Array(protocol.Array(protocol.Int(1), protocol.Int(2))), &ps)).To(Succeed())
			Expect(ps).To(Equal([]point{{X: 1, Y: 2}}))
		})

		It("refuses non-pointer destinations", func() {
			var s string
			Expect(isMismatch(convert.Scan(protocol.BulkString("x"), s))).To(BeTrue())
		})
	})
})
