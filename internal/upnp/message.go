package upnp

import (
	"fmt"
	"net"
)

// SSDP discovery constants.
const (
	// SSDPMulticastAddress is the standard SSDP multicast group and port.
	SSDPMulticastAddress = "239.255.255.250:1900"

	// deviceSearchTarget is the device type searched for during discovery.
	deviceSearchTarget = "urn:schemas-upnp-org:device:InternetGatewayDevice:1"

	// wanServiceID is the service id of the WAN connection service whose
	// control URL is extracted from the description document.
	wanServiceID = "urn:upnp-org:serviceId:WANPPPConn1"

	// wanServiceType is the SOAP action URN prefix for the targeted service.
	wanServiceType = "urn:schemas-upnp-org:service:WANPPPConnection:1"
)

// ssdpSearchRequest is the fixed M-SEARCH query multicast during discovery.
const ssdpSearchRequest = "M-SEARCH * HTTP/1.1\r\n" +
	"HOST: 239.255.255.250:1900\r\n" +
	"ST: " + deviceSearchTarget + "\r\n" +
	"MAN: \"ssdp:discover\"\r\n" +
	"MX: 2\r\n"

// descriptionRequest is the plain HTTP GET for the description document.
// HTTP/1.0 keeps gateways from replying with chunked transfer encoding.
const descriptionRequest = "GET %s HTTP/1.0\r\n" +
	"Host: %s\r\n" +
	"Connection: close\r\n" +
	"User-Agent: %s\r\n\r\n"

// soapRequest is the HTTP POST envelope shared by the three SOAP actions.
// Content-Length carries the exact byte length of the rendered XML body.
const soapRequest = "POST %s HTTP/1.0\r\n" +
	"Host: %s\r\n" +
	"User-Agent: %s\r\n" +
	"Content-Length: %d\r\n" +
	"Content-Type: text/xml\r\n" +
	"SOAPAction: \"" + wanServiceType + "#%s\"\r\n" +
	"Connection: Close\r\n" +
	"Cache-Control: no-cache\r\n" +
	"Pragma: no-cache\r\n" +
	"\r\n%s"

const addPortMappingXML = "<?xml version=\"1.0\"?>\r\n" +
	"<s:Envelope xmlns:s=\"http://schemas.xmlsoap.org/soap/envelope/\"" +
	" s:encodingStyle=\"http://schemas.xmlsoap.org/soap/encoding/\">\r\n" +
	"<s:Body>\r\n" +
	"<u:AddPortMapping xmlns:u=\"" + wanServiceType + "\">\r\n" +
	"<NewRemoteHost></NewRemoteHost>\r\n" +
	"<NewExternalPort>%d</NewExternalPort>\r\n" +
	"<NewProtocol>TCP</NewProtocol>\r\n" +
	"<NewInternalPort>%d</NewInternalPort>\r\n" +
	"<NewInternalClient>%s</NewInternalClient>\r\n" +
	"<NewEnabled>1</NewEnabled>\r\n" +
	"<NewPortMappingDescription>portpunch</NewPortMappingDescription>\r\n" +
	"<NewLeaseDuration>0</NewLeaseDuration>\r\n" +
	"</u:AddPortMapping>\r\n" +
	"</s:Body>\r\n" +
	"</s:Envelope>\r\n"

const deletePortMappingXML = "<?xml version=\"1.0\"?>\r\n" +
	"<s:Envelope xmlns:s=\"http://schemas.xmlsoap.org/soap/envelope/\"" +
	" s:encodingStyle=\"http://schemas.xmlsoap.org/soap/encoding/\">\r\n" +
	"<s:Body>\r\n" +
	"<u:DeletePortMapping xmlns:u=\"" + wanServiceType + "\">\r\n" +
	"<NewRemoteHost></NewRemoteHost>\r\n" +
	"<NewExternalPort>%d</NewExternalPort>\r\n" +
	"<NewProtocol>TCP</NewProtocol>\r\n" +
	"</u:DeletePortMapping>\r\n" +
	"</s:Body>\r\n" +
	"</s:Envelope>\r\n"

const externalAddressXML = "<?xml version=\"1.0\"?>\r\n" +
	"<s:Envelope xmlns:s=\"http://schemas.xmlsoap.org/soap/envelope/\"" +
	" s:encodingStyle=\"http://schemas.xmlsoap.org/soap/encoding/\">\r\n" +
	"<s:Body>\r\n" +
	"<u:GetExternalIPAddress xmlns:u=\"" + wanServiceType + "\">\r\n" +
	"</u:GetExternalIPAddress>\r\n" +
	"</s:Body>\r\n" +
	"</s:Envelope>\r\n"

// BuildSearchRequest renders the SSDP M-SEARCH discovery query.
func BuildSearchRequest() []byte {
	return []byte(ssdpSearchRequest)
}

// BuildDescriptionRequest renders the HTTP GET for the description document
// at path on the given host.
func BuildDescriptionRequest(path, host, userAgent string) []byte {
	return []byte(fmt.Sprintf(descriptionRequest, path, host, userAgent))
}

// BuildAddPortMapping renders the AddPortMapping SOAP request: map
// remotePort on the gateway's external interface to localIP:localPort.
func BuildAddPortMapping(controlURL, host, userAgent string, remotePort, localPort uint16, localIP net.IP) []byte {
	xml := fmt.Sprintf(addPortMappingXML, remotePort, localPort, localIP.To4().String())
	return buildSOAPRequest(controlURL, host, userAgent, "AddPortMapping", xml)
}

// BuildDeletePortMapping renders the DeletePortMapping SOAP request for
// remotePort on the gateway's external interface.
func BuildDeletePortMapping(controlURL, host, userAgent string, remotePort uint16) []byte {
	xml := fmt.Sprintf(deletePortMappingXML, remotePort)
	return buildSOAPRequest(controlURL, host, userAgent, "DeletePortMapping", xml)
}

// BuildExternalAddressQuery renders the GetExternalIPAddress SOAP request.
func BuildExternalAddressQuery(controlURL, host, userAgent string) []byte {
	return buildSOAPRequest(controlURL, host, userAgent, "GetExternalIPAddress", externalAddressXML)
}

func buildSOAPRequest(controlURL, host, userAgent, action, xml string) []byte {
	return []byte(fmt.Sprintf(soapRequest, controlURL, host, userAgent, len(xml), action, xml))
}
