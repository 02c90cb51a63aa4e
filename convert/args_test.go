package convert_test

import (
	"errors"
	"math"

	. "github.com/onsi/ginkgo"
	"github.com/onsi/ginkgo/extensions/table"
	. "github.com/onsi/gomega"

	"github.com/luma/respite/convert"
	"github.com/luma/respite/protocol"
)

type ttl int

type expiry struct {
	seconds int
}

func (e *expiry) AppendArgs(args [][]byte) ([][]byte, error) {
	return convert.AppendArgs(args, "EX", e.seconds)
}

func asStrings(args [][]byte) []string {
	out := make([]string, len(args))
	for i, a := range args {
		out[i] = string(a)
	}
	return out
}

var _ = Describe("Args()", func() {
	table.DescribeTable("encodes values as arguments",
		func(in interface{}, want []string) {
			args, err := convert.Args(in)
			Expect(err).To(Succeed())
			Expect(asStrings(args)).To(Equal(want))
		},
		table.Entry("string", "hello", []string{"hello"}),
		table.Entry("bytes", []byte("a\x00b"), []string{"a\x00b"}),
		table.Entry("empty bytes", []byte{}, []string{""}),
		table.Entry("int", -12, []string{"-12"}),
		table.Entry("int8", int8(-8), []string{"-8"}),
		table.Entry("uint64", uint64(math.MaxUint64), []string{"18446744073709551615"}),
		table.Entry("named int", ttl(30), []string{"30"}),
		table.Entry("float", 1.5, []string{"1.5"}),
		table.Entry("float32", float32(0.1), []string{"0.1"}),
		table.Entry("+inf", math.Inf(1), []string{"+inf"}),
		table.Entry("-inf", math.Inf(-1), []string{"-inf"}),
		table.Entry("true", true, []string{"1"}),
		table.Entry("false", false, []string{"0"}),
		table.Entry("slice", []string{"a", "b"}, []string{"a", "b"}),
		table.Entry("array", [2]int{1, 2}, []string{"1", "2"}),
		table.Entry("nested slices", []interface{}{"a", []int{1, 2}, nil}, []string{"a", "1", "2"}),
		table.Entry("map sorted by key", map[string]int{"b": 2, "a": 1, "c": 3}, []string{"a", "1", "b", "2", "c", "3"}),
		table.Entry("pointer", func() *string { s := "p"; return &s }(), []string{"p"}),
		table.Entry("appender", &expiry{seconds: 10}, []string{"EX", "10"}),
	)

	table.DescribeTable("leaves optional values out",
		func(in interface{}) {
			args, err := convert.Args("SET", in, "k")
			Expect(err).To(Succeed())
			Expect(asStrings(args)).To(Equal([]string{"SET", "k"}))
		},
		table.Entry("nil", nil),
		table.Entry("nil pointer", (*int)(nil)),
		table.Entry("nil appender", (*expiry)(nil)),
		table.Entry("empty slice", []string{}),
		table.Entry("nil map", map[string]string(nil)),
	)

	It("sorts maps by the encoded key bytes", func() {
		args, err := convert.Args(map[int]string{10: "ten", 9: "nine", 100: "hundred"})
		Expect(err).To(Succeed())
		Expect(asStrings(args)).To(Equal([]string{"10", "ten", "100", "hundred", "9", "nine"}))
	})

	It("rejects types that have no argument form", func() {
		_, err := convert.Args(struct{ A int }{1})

		var mismatch *protocol.TypeMismatchError
		Expect(errors.As(err, &mismatch)).To(BeTrue())
		Expect(mismatch.From).To(ContainSubstring("struct"))

		_, err = convert.Args(math.NaN())
		Expect(errors.As(err, &mismatch)).To(BeTrue())
	})

	It("builds complete commands", func() {
		cmd, err := convert.Command("hset", "h", map[string]string{"f": "v"})
		Expect(err).To(Succeed())
		Expect(cmd.Name()).To(Equal("HSET"))
		Expect(cmd.String()).To(Equal("hset h f v"))
	})
})
