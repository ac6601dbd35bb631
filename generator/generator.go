package generator

// 运行id的snowflake节点号，多台机器并行采集时由各自的IP区分

import (
	"bytes"
	"encoding/binary"
	"net"
)

// snowflake节点号占10位
const maxNode = 1<<10 - 1

/*
输入一个IP地址，输出一个32位整数

解析IP地址为net.IP类型，提取IP的4字节，将字节流转换为uint32类型；不是IPv4时返回0
*/
func IDbyIP(ip string) uint32 {
	v4 := net.ParseIP(ip).To4()
	if v4 == nil {
		return 0
	}
	var id uint32
	_ = binary.Read(bytes.NewReader(v4), binary.BigEndian, &id)
	return id
}

// IP的低10位作为节点号，同一网段的机器互不冲突
func NodeByIP(ip string) int64 {
	return int64(IDbyIP(ip) & maxNode)
}

/*
无输入，输出本机的snowflake节点号

取第一个非回环的IPv4地址，找不到时返回1
*/
func LocalNode() int64 {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return 1
	}
	for _, a := range addrs {
		ipnet, ok := a.(*net.IPNet)
		if !ok || ipnet.IP.IsLoopback() || ipnet.IP.To4() == nil {
			continue
		}
		return NodeByIP(ipnet.IP.String())
	}
	return 1
}
