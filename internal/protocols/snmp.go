package protocols

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/gosnmp/gosnmp"

	"github.com/nmslite/hwsentry/internal/connector"
	"github.com/nmslite/hwsentry/internal/source"
)

const defaultSNMPPort = 161

// SNMPExecutor runs snmpGet and snmpTable sources.
type SNMPExecutor struct {
	timeout time.Duration
}

// NewSNMPExecutor creates an SNMP executor.
func NewSNMPExecutor(timeout time.Duration) *SNMPExecutor {
	return &SNMPExecutor{timeout: timeout}
}

// Execute implements Executor.
func (e *SNMPExecutor) Execute(ctx context.Context, target *Target, src *connector.Source) (*source.Table, error) {
	if target.SNMP == nil {
		return nil, fmt.Errorf("snmp: %w", ErrNoCredentials)
	}

	g, err := newSNMPClient(ctx, target.Hostname, target.SNMP, e.timeout)
	if err != nil {
		return nil, err
	}
	if err := g.Connect(); err != nil {
		return nil, fmt.Errorf("SNMP connection failed: %w", err)
	}
	defer g.Conn.Close()

	if src.Type == connector.SourceSNMPGet {
		result, err := g.Get([]string{src.OID})
		if err != nil {
			return nil, fmt.Errorf("SNMP Get request failed: %w", err)
		}
		row := make([]string, 0, len(result.Variables))
		for _, pdu := range result.Variables {
			row = append(row, pduString(pdu))
		}
		return source.NewTable([][]string{row}), nil
	}

	return snmpTable(g, src.OID, src.Columns)
}

// snmpTable walks every column of a table and joins the cells by row index.
// The first cell of each row is the index.
func snmpTable(g *gosnmp.GoSNMP, oid string, columns []int) (*source.Table, error) {
	base := "." + strings.Trim(oid, ".")
	cells := make(map[string][]string)

	for i, col := range columns {
		colOID := fmt.Sprintf("%s.%d", base, col)
		pdus, err := g.BulkWalkAll(colOID)
		if err != nil {
			return nil, fmt.Errorf("SNMP walk of %s failed: %w", colOID, err)
		}
		for _, pdu := range pdus {
			index := strings.TrimPrefix(pdu.Name, colOID+".")
			row, ok := cells[index]
			if !ok {
				row = make([]string, len(columns))
				cells[index] = row
			}
			row[i] = pduString(pdu)
		}
	}

	indexes := make([]string, 0, len(cells))
	for index := range cells {
		indexes = append(indexes, index)
	}
	sort.Slice(indexes, func(i, j int) bool { return lessOID(indexes[i], indexes[j]) })

	rows := make([][]string, 0, len(indexes))
	for _, index := range indexes {
		rows = append(rows, append([]string{index}, cells[index]...))
	}
	return source.NewTable(rows), nil
}

func lessOID(a, b string) bool {
	as, bs := strings.Split(a, "."), strings.Split(b, ".")
	for i := 0; i < len(as) && i < len(bs); i++ {
		if len(as[i]) != len(bs[i]) {
			return len(as[i]) < len(bs[i])
		}
		if as[i] != bs[i] {
			return as[i] < bs[i]
		}
	}
	return len(as) < len(bs)
}

func pduString(pdu gosnmp.SnmpPDU) string {
	switch pdu.Type {
	case gosnmp.OctetString:
		if b, ok := pdu.Value.([]byte); ok {
			return strings.TrimRight(string(b), "\x00")
		}
	case gosnmp.ObjectIdentifier, gosnmp.IPAddress:
		if s, ok := pdu.Value.(string); ok {
			return s
		}
	case gosnmp.Null, gosnmp.NoSuchObject, gosnmp.NoSuchInstance, gosnmp.EndOfMibView:
		return ""
	}
	if pdu.Value == nil {
		return ""
	}
	return gosnmp.ToBigInt(pdu.Value).String()
}

func newSNMPClient(ctx context.Context, hostname string, creds *SNMPCredentials, timeout time.Duration) (*gosnmp.GoSNMP, error) {
	port := creds.Port
	if port == 0 {
		port = defaultSNMPPort
	}

	g := &gosnmp.GoSNMP{
		Context:        ctx,
		Target:         hostname,
		Port:           uint16(port),
		Timeout:        timeout,
		Retries:        1,
		MaxRepetitions: 10,
	}

	if creds.Version != "v3" {
		g.Version = gosnmp.Version2c
		g.Community = creds.Community
		return g, nil
	}

	g.Version = gosnmp.Version3
	g.SecurityModel = gosnmp.UserSecurityModel

	var authProto gosnmp.SnmpV3AuthProtocol
	switch creds.AuthProtocol {
	case "SHA":
		authProto = gosnmp.SHA
	case "SHA224":
		authProto = gosnmp.SHA224
	case "SHA256":
		authProto = gosnmp.SHA256
	case "SHA384":
		authProto = gosnmp.SHA384
	case "SHA512":
		authProto = gosnmp.SHA512
	default:
		authProto = gosnmp.MD5
	}

	var privProto gosnmp.SnmpV3PrivProtocol
	switch creds.PrivProtocol {
	case "DES":
		privProto = gosnmp.DES
	case "AES":
		privProto = gosnmp.AES
	case "AES192":
		privProto = gosnmp.AES192
	case "AES256":
		privProto = gosnmp.AES256
	default:
		privProto = gosnmp.NoPriv
	}

	switch creds.SecurityLevel {
	case "", "noAuthNoPriv":
		g.MsgFlags = gosnmp.NoAuthNoPriv
		g.SecurityParameters = &gosnmp.UsmSecurityParameters{UserName: creds.SecurityName}
	case "authNoPriv":
		g.MsgFlags = gosnmp.AuthNoPriv
		g.SecurityParameters = &gosnmp.UsmSecurityParameters{
			UserName:                 creds.SecurityName,
			AuthenticationProtocol:   authProto,
			AuthenticationPassphrase: creds.AuthPassword,
		}
	case "authPriv":
		g.MsgFlags = gosnmp.AuthPriv
		g.SecurityParameters = &gosnmp.UsmSecurityParameters{
			UserName:                 creds.SecurityName,
			AuthenticationProtocol:   authProto,
			AuthenticationPassphrase: creds.AuthPassword,
			PrivacyProtocol:          privProto,
			PrivacyPassphrase:        creds.PrivPassword,
		}
	default:
		return nil, fmt.Errorf("invalid security level: %s", creds.SecurityLevel)
	}
	return g, nil
}
