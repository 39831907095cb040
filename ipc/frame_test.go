package ipc_test

import (
	"bytes"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/zonekeeper/zonekeeper/ipc"
)

var _ = Describe("Frame codec", func() {
	It("round-trips well-formed frames", func() {
		frames := []ipc.Frame{
			{MessageID: 1, MethodID: 7, Kind: ipc.KindRequest, Payload: []byte(`{"a":1}`)},
			{MessageID: 42, MethodID: 0, Kind: ipc.KindResponse},
			{MessageID: 9000, MethodID: 3, Kind: ipc.KindSignal, Payload: []byte{0x00, 0xff}},
			{MessageID: 5, MethodID: 2, Kind: ipc.KindError, Payload: ipc.EncodeError(ipc.CodeTimedOut, "too slow")},
		}

		for _, frame := range frames {
			buf := new(bytes.Buffer)
			Expect(ipc.WriteFrame(buf, frame)).To(Succeed())

			decoded, err := ipc.ReadFrame(buf)
			Expect(err).ToNot(HaveOccurred())
			Expect(decoded.MessageID).To(Equal(frame.MessageID))
			Expect(decoded.MethodID).To(Equal(frame.MethodID))
			Expect(decoded.Kind).To(Equal(frame.Kind))
			Expect(decoded.Payload).To(Equal(frame.Payload))
		}
	})

	It("rejects frames with an unknown kind", func() {
		buf := new(bytes.Buffer)
		Expect(ipc.WriteFrame(buf, ipc.Frame{MessageID: 1, MethodID: 1, Kind: ipc.KindRequest})).To(Succeed())

		raw := buf.Bytes()
		raw[12] = 0xAB

		_, err := ipc.ReadFrame(bytes.NewReader(raw))
		Expect(err).To(MatchError(ipc.ErrFraming))
	})

	It("decodes error payloads", func() {
		code, reason, err := ipc.DecodeError(ipc.EncodeError(ipc.CodePeerDisconnected, "gone"))
		Expect(err).ToNot(HaveOccurred())
		Expect(code).To(Equal(ipc.CodePeerDisconnected))
		Expect(reason).To(Equal("gone"))
	})

	It("rejects truncated error payloads", func() {
		_, _, err := ipc.DecodeError([]byte{0x01})
		Expect(err).To(MatchError(ipc.ErrFraming))
	})

	It("generates strictly increasing message ids", func() {
		a := ipc.NextMessageID()
		b := ipc.NextMessageID()
		Expect(b).To(BeNumerically(">", a))
	})
})
