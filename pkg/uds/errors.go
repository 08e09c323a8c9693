package uds

import (
	"errors"
	"fmt"
)

// ErrInvalidResponseLength is returned whenever a positive response is
// shorter than the service's minimum expected length.
var ErrInvalidResponseLength = errors.New("uds: response too short")

// NRC is a Negative Response Code as defined by ISO 14229-1 Annex A.
type NRC uint8

// The subset of Annex A codes referenced by this stack. 0x78 is handled
// internally (see Client.call) and never surfaces as an error.
const (
	NRCGeneralReject                           NRC = 0x10
	NRCServiceNotSupported                     NRC = 0x11
	NRCSubFunctionNotSupported                  NRC = 0x12
	NRCIncorrectMessageLengthOrInvalidFormat    NRC = 0x13
	NRCConditionsNotCorrect                     NRC = 0x22
	NRCRequestSequenceError                     NRC = 0x24
	NRCRequestOutOfRange                        NRC = 0x31
	NRCSecurityAccessDenied                     NRC = 0x33
	NRCInvalidKey                               NRC = 0x35
	NRCExceedNumberOfAttempts                   NRC = 0x36
	NRCRequiredTimeDelayNotExpired               NRC = 0x37
	NRCUploadDownloadNotAccepted                 NRC = 0x70
	NRCTransferDataSuspended                     NRC = 0x71
	NRCGeneralProgrammingFailure                 NRC = 0x72
	NRCWrongBlockSequenceCounter                 NRC = 0x73
	NRCRequestCorrectlyReceivedResponsePending    NRC = 0x78
	NRCSubFunctionNotSupportedInActiveSession     NRC = 0x7E
	NRCServiceNotSupportedInActiveSession         NRC = 0x7F
)

var nrcNames = map[NRC]string{
	NRCGeneralReject:                          "generalReject",
	NRCServiceNotSupported:                    "serviceNotSupported",
	NRCSubFunctionNotSupported:                "subFunctionNotSupported",
	NRCIncorrectMessageLengthOrInvalidFormat:  "incorrectMessageLengthOrInvalidFormat",
	NRCConditionsNotCorrect:                   "conditionsNotCorrect",
	NRCRequestSequenceError:                   "requestSequenceError",
	NRCRequestOutOfRange:                      "requestOutOfRange",
	NRCSecurityAccessDenied:                   "securityAccessDenied",
	NRCInvalidKey:                             "invalidKey",
	NRCExceedNumberOfAttempts:                 "exceedNumberOfAttempts",
	NRCRequiredTimeDelayNotExpired:            "requiredTimeDelayNotExpired",
	NRCUploadDownloadNotAccepted:              "uploadDownloadNotAccepted",
	NRCTransferDataSuspended:                  "transferDataSuspended",
	NRCGeneralProgrammingFailure:              "generalProgrammingFailure",
	NRCWrongBlockSequenceCounter:              "wrongBlockSequenceCounter",
	NRCRequestCorrectlyReceivedResponsePending: "requestCorrectlyReceivedResponsePending",
	NRCSubFunctionNotSupportedInActiveSession:  "subFunctionNotSupportedInActiveSession",
	NRCServiceNotSupportedInActiveSession:      "serviceNotSupportedInActiveSession",
}

// String renders a known NRC by name, or "nonStandard(0xXX)" otherwise.
func (n NRC) String() string {
	if name, ok := nrcNames[n]; ok {
		return name
	}
	return fmt.Sprintf("nonStandard(%#02x)", uint8(n))
}

// NegativeResponseError wraps the NRC byte 0x7F responses carry. Codes
// outside the known Annex A table are still represented -- NRC.String()
// renders them as NonStandard -- rather than being rejected outright.
type NegativeResponseError struct {
	Code NRC
}

func (e *NegativeResponseError) Error() string {
	return fmt.Sprintf("uds: negative response: %s", e.Code)
}

// InvalidServiceIDError is returned when a response's first byte is
// neither the expected positive-response marker nor 0x7F.
type InvalidServiceIDError struct{ Got byte }

func (e *InvalidServiceIDError) Error() string {
	return fmt.Sprintf("uds: invalid service id %#02x in response", e.Got)
}

// InvalidSubFunctionError is returned when a response's echoed
// sub-function does not match the one sent.
type InvalidSubFunctionError struct{ Got byte }

func (e *InvalidSubFunctionError) Error() string {
	return fmt.Sprintf("uds: invalid sub-function %#02x in response", e.Got)
}

// InvalidDataIdentifierError is returned when a response's echoed DID does
// not match the one sent.
type InvalidDataIdentifierError struct{ Got uint16 }

func (e *InvalidDataIdentifierError) Error() string {
	return fmt.Sprintf("uds: invalid data identifier %#04x in response", e.Got)
}

// InvalidBlockSequenceCounterError is returned when a TransferData
// response's echoed block sequence counter does not match the one sent.
type InvalidBlockSequenceCounterError struct{ Got byte }

func (e *InvalidBlockSequenceCounterError) Error() string {
	return fmt.Sprintf("uds: invalid block sequence counter %#02x in response", e.Got)
}
