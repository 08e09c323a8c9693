package uds

import (
	"context"
	"encoding/binary"
)

// Service identifiers this client speaks. Names follow ISO 14229-1 Table 1.
const (
	sidDiagnosticSessionControl   = 0x10
	sidECUReset                   = 0x11
	sidClearDiagnosticInformation = 0x14
	sidReadDTCInformation         = 0x19
	sidReadDataByIdentifier       = 0x22
	sidReadMemoryByAddress        = 0x23
	sidWriteMemoryByAddress       = 0x3D
	sidSecurityAccess             = 0x27
	sidCommunicationControl       = 0x28
	sidWriteDataByIdentifier      = 0x2E
	sidRoutineControl             = 0x31
	sidRequestDownload            = 0x34
	sidRequestUpload              = 0x35
	sidTransferData               = 0x36
	sidRequestTransferExit        = 0x37
	sidControlDTCSetting          = 0x85
	sidTesterPresent              = 0x3E
)

func be16(v uint16) []byte {
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, v)
	return b
}

func readBE16(b []byte) (uint16, error) {
	if len(b) < 2 {
		return 0, ErrInvalidResponseLength
	}
	return binary.BigEndian.Uint16(b), nil
}

// encodeBE renders v as the low `width` bytes of a big-endian integer, as
// used by the address-and-length-format-identifier encoded services.
func encodeBE(v uint64, width int) []byte {
	full := make([]byte, 8)
	binary.BigEndian.PutUint64(full, v)
	return full[8-width:]
}

func decodeBE(b []byte) uint64 {
	full := make([]byte, 8)
	copy(full[8-len(b):], b)
	return binary.BigEndian.Uint64(full)
}

// SessionParams carries the timing parameters a DiagnosticSessionControl
// positive response may report. DiagnosticSessionControl only builds one
// when the response carries the full 4-byte timing record.
type SessionParams struct {
	P2     uint16 // ms
	P2Star uint16 // ms (wire value is tens of ms; already scaled)
}

// DiagnosticSessionControl requests sessionType (e.g. 0x01 default,
// 0x02 programming, 0x03 extended). A nil *SessionParams means the ECU
// answered positively without timing parameters.
func (c *Client) DiagnosticSessionControl(ctx context.Context, sessionType byte) (*SessionParams, error) {
	sub := sessionType
	body, err := c.Request(ctx, sidDiagnosticSessionControl, &sub, nil)
	if err != nil {
		return nil, err
	}
	if len(body) < 4 {
		return nil, nil
	}
	p2 := binary.BigEndian.Uint16(body[0:2])
	p2star := binary.BigEndian.Uint16(body[2:4])
	return &SessionParams{P2: p2, P2Star: p2star * 10}, nil
}

// ECUReset requests resetType (e.g. 0x01 hard, 0x03 soft). The returned
// powerDownTime is non-nil whenever the positive response carries a byte
// after the echoed resetType (ECUs send one for 0x04,
// enableRapidPowerShutDown); resetType itself is not checked.
func (c *Client) ECUReset(ctx context.Context, resetType byte) (powerDownTime *byte, err error) {
	sub := resetType
	body, err := c.Request(ctx, sidECUReset, &sub, nil)
	if err != nil {
		return nil, err
	}
	if len(body) < 1 {
		return nil, nil
	}
	t := body[0]
	return &t, nil
}

// ClearDiagnosticInformation clears stored DTCs matching groupOfDTC (a
// 3-byte mask, 0xFFFFFF for all groups).
func (c *Client) ClearDiagnosticInformation(ctx context.Context, groupOfDTC [3]byte) error {
	_, err := c.Request(ctx, sidClearDiagnosticInformation, nil, groupOfDTC[:])
	return err
}

// ReadDTCInformation issues sub-function reportType (e.g. 0x02
// reportDTCByStatusMask) with the given request data, returning the
// service-specific response record unmodified (its layout depends on
// reportType, which this client does not further decode).
func (c *Client) ReadDTCInformation(ctx context.Context, reportType byte, data []byte) ([]byte, error) {
	sub := reportType
	return c.Request(ctx, sidReadDTCInformation, &sub, data)
}

// ReadDataByIdentifier reads the data record for did, validating that the
// response echoes the same identifier.
func (c *Client) ReadDataByIdentifier(ctx context.Context, did uint16) ([]byte, error) {
	body, err := c.Request(ctx, sidReadDataByIdentifier, nil, be16(did))
	if err != nil {
		return nil, err
	}
	got, err := readBE16(body)
	if err != nil {
		return nil, err
	}
	if got != did {
		return nil, &InvalidDataIdentifierError{Got: got}
	}
	return body[2:], nil
}

// alfid builds the address-and-length-format identifier byte: high nibble
// is the memory-size field width, low nibble the memory-address field
// width, both in bytes.
func alfid(addrWidth, sizeWidth int) byte {
	return byte(sizeWidth<<4 | addrWidth)
}

// ReadMemoryByAddress reads size bytes starting at address, encoding both
// as addrWidth/sizeWidth-byte big-endian fields.
func (c *Client) ReadMemoryByAddress(ctx context.Context, address uint64, addrWidth int, size uint64, sizeWidth int) ([]byte, error) {
	data := make([]byte, 0, 1+addrWidth+sizeWidth)
	data = append(data, alfid(addrWidth, sizeWidth))
	data = append(data, encodeBE(address, addrWidth)...)
	data = append(data, encodeBE(size, sizeWidth)...)
	return c.Request(ctx, sidReadMemoryByAddress, nil, data)
}

// WriteMemoryByAddress writes payload to size bytes starting at address,
// returning whatever the ECU echoes back (typically payload itself).
func (c *Client) WriteMemoryByAddress(ctx context.Context, address uint64, addrWidth int, size uint64, sizeWidth int, payload []byte) ([]byte, error) {
	data := make([]byte, 0, 1+addrWidth+sizeWidth+len(payload))
	data = append(data, alfid(addrWidth, sizeWidth))
	data = append(data, encodeBE(address, addrWidth)...)
	data = append(data, encodeBE(size, sizeWidth)...)
	data = append(data, payload...)
	return c.Request(ctx, sidWriteMemoryByAddress, nil, data)
}

// SecurityAccess issues one step of the seed/key handshake. Odd
// accessType values request a seed (keyData is ignored); even values send
// a key (keyData is the computed key bytes). The returned bytes are the
// seed on a requestSeed step, or empty on a sendKey step.
func (c *Client) SecurityAccess(ctx context.Context, accessType byte, keyData []byte) ([]byte, error) {
	sub := accessType
	var data []byte
	if accessType%2 == 0 {
		data = keyData
	}
	return c.Request(ctx, sidSecurityAccess, &sub, data)
}

// CommunicationControl issues controlType (e.g. 0x00 enableRxAndTx,
// 0x03 disableRxAndTx) against communicationType.
func (c *Client) CommunicationControl(ctx context.Context, controlType, communicationType byte) error {
	sub := controlType
	_, err := c.Request(ctx, sidCommunicationControl, &sub, []byte{communicationType})
	return err
}

// WriteDataByIdentifier writes record to did, validating the echoed
// identifier.
func (c *Client) WriteDataByIdentifier(ctx context.Context, did uint16, record []byte) error {
	data := append(be16(did), record...)
	body, err := c.Request(ctx, sidWriteDataByIdentifier, nil, data)
	if err != nil {
		return err
	}
	got, err := readBE16(body)
	if err != nil {
		return err
	}
	if got != did {
		return &InvalidDataIdentifierError{Got: got}
	}
	return nil
}

// RoutineControl issues controlType (0x01 start, 0x02 stop, 0x03
// requestResults) against routine did, validating the echoed identifier
// and returning any routine status record.
func (c *Client) RoutineControl(ctx context.Context, controlType byte, did uint16, data []byte) ([]byte, error) {
	sub := controlType
	payload := append(be16(did), data...)
	body, err := c.Request(ctx, sidRoutineControl, &sub, payload)
	if err != nil {
		return nil, err
	}
	got, err := readBE16(body)
	if err != nil {
		return nil, err
	}
	if got != did {
		return nil, &InvalidDataIdentifierError{Got: got}
	}
	return body[2:], nil
}

func (c *Client) requestTransfer(ctx context.Context, sid byte, compression, encryption byte, address uint64, addrWidth int, size uint64, sizeWidth int) (maxBlockLength uint64, err error) {
	data := make([]byte, 0, 2+addrWidth+sizeWidth)
	data = append(data, compression<<4|encryption, alfid(addrWidth, sizeWidth))
	data = append(data, encodeBE(address, addrWidth)...)
	data = append(data, encodeBE(size, sizeWidth)...)
	body, err := c.Request(ctx, sid, nil, data)
	if err != nil {
		return 0, err
	}
	if len(body) < 1 {
		return 0, ErrInvalidResponseLength
	}
	width := int(body[0] >> 4)
	if len(body) < 1+width {
		return 0, ErrInvalidResponseLength
	}
	return decodeBE(body[1 : 1+width]), nil
}

// RequestDownload negotiates a transfer of size bytes to address (ECU
// receiving), returning the maximum block length the ECU will accept in
// each subsequent TransferData.
func (c *Client) RequestDownload(ctx context.Context, compression, encryption byte, address uint64, addrWidth int, size uint64, sizeWidth int) (maxBlockLength uint64, err error) {
	return c.requestTransfer(ctx, sidRequestDownload, compression, encryption, address, addrWidth, size, sizeWidth)
}

// RequestUpload negotiates a transfer of size bytes from address (ECU
// sending), returning the maximum block length the ECU will send in each
// subsequent TransferData response.
func (c *Client) RequestUpload(ctx context.Context, compression, encryption byte, address uint64, addrWidth int, size uint64, sizeWidth int) (maxBlockLength uint64, err error) {
	return c.requestTransfer(ctx, sidRequestUpload, compression, encryption, address, addrWidth, size, sizeWidth)
}

// TransferData exchanges one block of a RequestDownload/RequestUpload
// transfer, validating that the response echoes blockSequenceCounter.
func (c *Client) TransferData(ctx context.Context, blockSequenceCounter byte, data []byte) ([]byte, error) {
	payload := make([]byte, 0, 1+len(data))
	payload = append(payload, blockSequenceCounter)
	payload = append(payload, data...)
	body, err := c.call(ctx, append([]byte{sidTransferData}, payload...))
	if err != nil {
		return nil, err
	}
	if len(body) < 1 {
		return nil, ErrInvalidResponseLength
	}
	if body[0] != blockSequenceCounter {
		return nil, &InvalidBlockSequenceCounterError{Got: body[0]}
	}
	return body[1:], nil
}

// RequestTransferExit terminates a RequestDownload/RequestUpload
// transfer, returning any transfer-specific response parameter record.
func (c *Client) RequestTransferExit(ctx context.Context, data []byte) ([]byte, error) {
	return c.Request(ctx, sidRequestTransferExit, nil, data)
}

// ControlDTCSetting enables (0x01) or disables (0x02) DTC storage.
func (c *Client) ControlDTCSetting(ctx context.Context, settingType byte) error {
	sub := settingType
	_, err := c.Request(ctx, sidControlDTCSetting, &sub, nil)
	return err
}

// TesterPresent sends sub-function 0x00 to keep a non-default diagnostic
// session alive.
func (c *Client) TesterPresent(ctx context.Context) error {
	sub := byte(0x00)
	_, err := c.Request(ctx, sidTesterPresent, &sub, nil)
	return err
}
