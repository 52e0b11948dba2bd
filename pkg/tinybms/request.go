// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package tinybms

// Request is a decoded request frame. Which fields are meaningful depends on Command.
type Request struct {
	Command byte
	Address uint16   // register address or block start
	Value   uint16   // write individual
	Count   int      // block/Modbus register count
	Values  []uint16 // block/Modbus write values
	Option  byte     // reset option
}

// DecodeRequest parses a request frame produced by one of the Build* functions.
// It is the inverse of the builders and is what a device sees on the wire.
func DecodeRequest(frame []byte) (Request, error) {
	if len(frame) < MinFrameSize {
		return Request{}, invalidf("request frame too short: %d bytes", len(frame))
	}
	if frame[0] != Preamble {
		return Request{}, invalidf("invalid preamble 0x%02X", frame[0])
	}
	f := Frame(frame)
	if len(frame) != HeaderSize+f.PayloadLength()+CRCSize {
		return Request{}, invalidf("frame length %d does not match payload length %d", len(frame), f.PayloadLength())
	}

	req := Request{Command: f.Command()}
	c := newCursor(f.Payload(), 0)

	switch req.Command {
	case CmdReadIndividual:
		req.Address = c.u16le()
		req.Count = 1

	case CmdWriteIndividual:
		req.Address = c.u16le()
		req.Value = c.u16le()
		req.Count = 1

	case CmdReset:
		req.Option = c.u8()

	case CmdReadBlock:
		req.Address = c.u16le()
		req.Count = int(c.u8())

	case CmdWriteBlock:
		req.Address = c.u16le()
		req.Count = int(c.u8())
		if c.err == nil && c.remaining() != 2*req.Count {
			return Request{}, invalidf("block write declares %d registers but carries %d bytes", req.Count, c.remaining())
		}
		req.Values = make([]uint16, req.Count)
		for i := range req.Values {
			req.Values[i] = c.u16le()
		}

	case CmdModbusRead:
		req.Address = c.u16le()
		req.Count = int(c.u16le())

	case CmdModbusWrite:
		req.Address = c.u16le()
		req.Count = int(c.u16le())
		byteCount := int(c.u8())
		if c.err == nil && (byteCount != 2*req.Count || c.remaining() != byteCount) {
			return Request{}, invalidf("modbus write byte count %d does not match quantity %d", byteCount, req.Count)
		}
		req.Values = make([]uint16, req.Count)
		for i := range req.Values {
			req.Values[i] = c.u16be()
		}

	default:
		if !IsSimpleCommand(req.Command) {
			return Request{}, invalidf("unknown command 0x%02X", req.Command)
		}
	}

	if c.err != nil {
		return Request{}, c.err
	}
	return req, nil
}
