package ioc

import "github.com/telhawk-systems/telhawk-triage/processor/internal/models"

func eventData(names ...string) []string {
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = models.FieldEventData + "." + n
	}
	return out
}

// typeFields are the structured fields searched for exact values in addition
// to the search blob.
var typeFields = map[models.IOCType][]string{
	models.IOCTypeIP: eventData(
		"IpAddress", "SourceIp", "DestinationIp", "SourceAddress", "DestAddress",
		"ClientIP", "c-ip", "s-ip", "src_ip", "dst_ip", "ip",
	),
	models.IOCTypeDomain: eventData("QueryName", "DestinationHostname", "cs-host", "domain"),
	models.IOCTypeHostname: append(eventData("Computer", "WorkstationName", "hostname", "s-computername"),
		models.FieldHost),
	models.IOCTypeHash: eventData("Hashes", "md5", "sha1", "sha256", "Hash"),
	models.IOCTypeUsername: append(eventData("TargetUserName", "SubjectUserName", "User", "cs-username", "username"),
		models.FieldUser),
	models.IOCTypeURL:         eventData("cs-uri-stem", "url"),
	models.IOCTypeCommandLine: eventData("CommandLine", "ParentCommandLine"),
	models.IOCTypeFilename:    eventData("Image", "TargetFilename", "ParentImage", "ImageLoaded"),
	models.IOCTypeRegistry:    eventData("TargetObject", "ObjectName"),
}

// Fields returns the structured fields checked for an IOC type. Types without
// structured fields are matched on the search blob only.
func Fields(t models.IOCType) []string {
	return typeFields[t]
}
