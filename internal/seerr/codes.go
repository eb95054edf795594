// Package seerr defines the return-code enumeration of the SE API.
//
// The numeric values are fixed by the TR-03151 interface and must be
// preserved bit-for-bit: callers across an ABI boundary compare raw values.
package seerr

import "fmt"

// Code is a signed return code. Zero means success, -4xxx are coarse
// authentication outcomes, -5xxx are detailed error kinds.
type Code int16

const (
	ExecutionOK Code = 0

	AuthenticationFailed Code = -4000
	UnblockFailed        Code = -4001

	RetrieveLogMessageFailed             Code = -5001
	StorageFailure                       Code = -5002
	UpdateTimeFailed                     Code = -5003
	ParameterMismatch                    Code = -5004
	IDNotFound                           Code = -5005
	TransactionNumberNotFound            Code = -5006
	NoDataAvailable                      Code = -5007
	TooManyRecords                       Code = -5008
	StartTransactionFailed               Code = -5009
	UpdateTransactionFailed              Code = -5010
	FinishTransactionFailed              Code = -5011
	RestoreFailed                        Code = -5012
	StoringInitDataFailed                Code = -5013
	ExportCertFailed                     Code = -5014
	NoLogMessage                         Code = -5015
	ReadingLogMessage                    Code = -5016
	NoTransaction                        Code = -5017
	SEAPINotInitialized                  Code = -5018
	TimeNotSet                           Code = -5019
	CertificateExpired                   Code = -5020
	SecureElementDisabled                Code = -5021
	UserNotAuthorized                    Code = -5022
	UserNotAuthenticated                 Code = -5023
	DescriptionNotSetByManufacturer      Code = -5024
	DescriptionSetByManufacturer         Code = -5025
	ExportSerialNumbersFailed            Code = -5026
	GetMaxNumberOfClientsFailed          Code = -5027
	GetCurrentNumberOfClientsFailed      Code = -5028
	GetMaxNumberTransactionsFailed       Code = -5039 // same value as GetTimeSyncVariantFailed in the interface header
	GetCurrentNumberOfTransactionsFailed Code = -5030
	GetSupportedUpdateVariantsFailed     Code = -5031
	DeleteStoredDataFailed               Code = -5032
	UnexportedStoredData                 Code = -5033
	SigningSystemOperationDataFailed     Code = -5034
	UserIDNotManaged                     Code = -5035
	UserIDNotAuthenticated               Code = -5036
	DisableSecureElementFailed           Code = -5037
	InvalidTime                          Code = -5038
	GetTimeSyncVariantFailed             Code = -5039
)

var names = map[Code]string{
	ExecutionOK:                          "EXECUTION_OK",
	AuthenticationFailed:                 "AUTHENTICATION_FAILED",
	UnblockFailed:                        "UNBLOCK_FAILED",
	RetrieveLogMessageFailed:             "ERROR_RETRIEVE_LOG_MESSAGE_FAILED",
	StorageFailure:                       "ERROR_STORAGE_FAILURE",
	UpdateTimeFailed:                     "ERROR_UPDATE_TIME_FAILED",
	ParameterMismatch:                    "ERROR_PARAMETER_MISMATCH",
	IDNotFound:                           "ERROR_ID_NOT_FOUND",
	TransactionNumberNotFound:            "ERROR_TRANSACTION_NUMBER_NOT_FOUND",
	NoDataAvailable:                      "ERROR_NO_DATA_AVAILABLE",
	TooManyRecords:                       "ERROR_TOO_MANY_RECORDS",
	StartTransactionFailed:               "ERROR_START_TRANSACTION_FAILED",
	UpdateTransactionFailed:              "ERROR_UPDATE_TRANSACTION_FAILED",
	FinishTransactionFailed:              "ERROR_FINISH_TRANSACTION_FAILED",
	RestoreFailed:                        "ERROR_RESTORE_FAILED",
	StoringInitDataFailed:                "ERROR_STORING_INIT_DATA_FAILED",
	ExportCertFailed:                     "ERROR_EXPORT_CERT_FAILED",
	NoLogMessage:                         "ERROR_NO_LOG_MESSAGE",
	ReadingLogMessage:                    "ERROR_READING_LOG_MESSAGE",
	NoTransaction:                        "ERROR_NO_TRANSACTION",
	SEAPINotInitialized:                  "ERROR_SE_API_NOT_INITIALIZED",
	TimeNotSet:                           "ERROR_TIME_NOT_SET",
	CertificateExpired:                   "ERROR_CERTIFICATE_EXPIRED",
	SecureElementDisabled:                "ERROR_SECURE_ELEMENT_DISABLED",
	UserNotAuthorized:                    "ERROR_USER_NOT_AUTHORIZED",
	UserNotAuthenticated:                 "ERROR_USER_NOT_AUTHENTICATED",
	DescriptionNotSetByManufacturer:      "ERROR_DESCRIPTION_NOT_SET_BY_MANUFACTURER",
	DescriptionSetByManufacturer:         "ERROR_DESCRIPTION_SET_BY_MANUFACTURER",
	ExportSerialNumbersFailed:            "ERROR_EXPORT_SERIAL_NUMBERS_FAILED",
	GetMaxNumberOfClientsFailed:          "ERROR_GET_MAX_NUMBER_OF_CLIENTS_FAILED",
	GetCurrentNumberOfClientsFailed:      "ERROR_GET_CURRENT_NUMBER_OF_CLIENTS_FAILED",
	GetCurrentNumberOfTransactionsFailed: "ERROR_GET_CURRENT_NUMBER_OF_TRANSACTIONS_FAILED",
	GetSupportedUpdateVariantsFailed:     "ERROR_GET_SUPPORTED_UPDATE_VARIANTS_FAILED",
	DeleteStoredDataFailed:               "ERROR_DELETE_STORED_DATA_FAILED",
	UnexportedStoredData:                 "ERROR_UNEXPORTED_STORED_DATA",
	SigningSystemOperationDataFailed:     "ERROR_SIGNING_SYSTEM_OPERATION_DATA_FAILED",
	UserIDNotManaged:                     "ERROR_USER_ID_NOT_MANAGED",
	UserIDNotAuthenticated:               "ERROR_USER_ID_NOT_AUTHENTICATED",
	DisableSecureElementFailed:           "ERROR_DISABLE_SECURE_ELEMENT_FAILED",
	InvalidTime:                          "ERROR_INVALID_TIME",
	// -5039 is shared; the time sync name wins.
	GetTimeSyncVariantFailed: "ERROR_GET_TIME_SYNC_VARIANT_FAILED",
}

// String returns the interface constant name, e.g. "ERROR_NO_TRANSACTION".
func (c Code) String() string {
	if n, ok := names[c]; ok {
		return n
	}
	return fmt.Sprintf("SE_CODE(%d)", int16(c))
}
