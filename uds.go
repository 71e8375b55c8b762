package analyzer

import "fmt"

// UDS (ISO 14229) service ids
const (
	ServiceDiagnosticSessionControl   byte = 0x10
	ServiceECUReset                   byte = 0x11
	ServiceClearDiagnosticInformation byte = 0x14
	ServiceReadDTCInformation         byte = 0x19
	ServiceReadDataByIdentifier       byte = 0x22
	ServiceSecurityAccess             byte = 0x27
	ServiceWriteDataByIdentifier      byte = 0x2E
	ServiceRoutineControl             byte = 0x31
	ServiceTesterPresent              byte = 0x3E
)

const (
	negativeResponseByte  byte = 0x7F
	positiveResponseShift byte = 0x40
	suppressResponseBit   byte = 0x80
)

// Diagnostic session types (service 0x10 sub-functions)
const (
	SessionDefault     byte = 0x01
	SessionProgramming byte = 0x02
	SessionExtended    byte = 0x03
)

// Routine control sub-functions (service 0x31)
const (
	RoutineStart         byte = 0x01
	RoutineStop          byte = 0x02
	RoutineRequestResult byte = 0x03
)

// Negative response codes
const (
	NrcGeneralReject                byte = 0x10
	NrcServiceNotSupported          byte = 0x11
	NrcSubFunctionNotSupported      byte = 0x12
	NrcIncorrectMessageLength       byte = 0x13
	NrcBusyRepeatRequest            byte = 0x21
	NrcConditionsNotCorrect         byte = 0x22
	NrcRequestSequenceError         byte = 0x24
	NrcRequestOutOfRange            byte = 0x31
	NrcSecurityAccessDenied         byte = 0x33
	NrcInvalidKey                   byte = 0x35
	NrcExceededNumberOfAttempts     byte = 0x36
	NrcRequiredTimeDelayNotExpired  byte = 0x37
	NrcGeneralProgrammingFailure    byte = 0x72
	NrcResponsePending              byte = 0x78
	NrcSubFunctionNotInSession      byte = 0x7E
	NrcServiceNotSupportedInSession byte = 0x7F
)

var serviceNames = map[byte]string{
	ServiceDiagnosticSessionControl:   "Diagnostic Session Control",
	ServiceECUReset:                   "ECU Reset",
	ServiceClearDiagnosticInformation: "Clear Diagnostic Information",
	ServiceReadDTCInformation:         "Read DTC Information",
	ServiceReadDataByIdentifier:       "Read Data By Identifier",
	ServiceSecurityAccess:             "Security Access",
	ServiceWriteDataByIdentifier:      "Write Data By Identifier",
	ServiceRoutineControl:             "Routine Control",
	ServiceTesterPresent:              "Tester Present",
}

var nrcNames = map[byte]string{
	NrcGeneralReject:                "General Reject",
	NrcServiceNotSupported:          "Service Not Supported",
	NrcSubFunctionNotSupported:      "Sub-Function Not Supported",
	NrcIncorrectMessageLength:       "Incorrect Message Length or Invalid Format",
	NrcBusyRepeatRequest:            "Busy - Repeat Request",
	NrcConditionsNotCorrect:         "Conditions Not Correct",
	NrcRequestSequenceError:         "Request Sequence Error",
	NrcRequestOutOfRange:            "Request Out of Range",
	NrcSecurityAccessDenied:         "Security Access Denied",
	NrcInvalidKey:                   "Invalid Key",
	NrcExceededNumberOfAttempts:     "Exceeded Number of Attempts",
	NrcRequiredTimeDelayNotExpired:  "Required Time Delay Not Expired",
	NrcGeneralProgrammingFailure:    "General Programming Failure",
	NrcResponsePending:              "Request Correctly Received - Response Pending",
	NrcSubFunctionNotInSession:      "Sub-Function Not Supported in Active Session",
	NrcServiceNotSupportedInSession: "Service Not Supported in Active Session",
}

// ServiceLabel returns a readable name for a service id.
func ServiceLabel(service byte) string {
	if name, ok := serviceNames[service]; ok {
		return name
	}
	return fmt.Sprintf("0x%02X", service)
}

// NrcLabel returns a readable name for a negative response code.
func NrcLabel(nrc byte) string {
	if name, ok := nrcNames[nrc]; ok {
		return name
	}
	return fmt.Sprintf("0x%02X", nrc)
}

// NegativeResponseError carries the NRC a peer answered with.
type NegativeResponseError struct {
	Service byte
	Nrc     byte
}

func (e *NegativeResponseError) Error() string {
	return fmt.Sprintf("negative response to %v : %v", ServiceLabel(e.Service), NrcLabel(e.Nrc))
}
