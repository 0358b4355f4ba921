package protocol

// 命令字（2字节，按大端序写入每帧头部）
const (
	CmdDfuBlockAck     uint16 = 0x0002 // DFU块请求确认
	CmdDfuFinalize     uint16 = 0x0003 // DFU传输收尾
	CmdReboot          uint16 = 0x000F // 重启设备
	CmdConfigRead      uint16 = 0x0040 // 读取面板配置
	CmdConfigWrite     uint16 = 0x0041 // 写入配置（整包或首块，首块带总长度前缀）
	CmdConfigWriteNext uint16 = 0x0042 // 写入配置（后续块）
	CmdFirmwareVersion uint16 = 0x0043 // 查询固件版本
	CmdDfuPartData     uint16 = 0x0065 // DFU块分片数据
	CmdDirectStart     uint16 = 0x0070 // 直写会话开始
	CmdDirectChunk     uint16 = 0x0071 // 直写数据块
	CmdDirectEnd       uint16 = 0x0072 // 直写结束（负载0x01表示快刷）
)

// 通知首字节：响应类型
const (
	RespOK  byte = 0x00 // 成功/数据
	RespErr byte = 0xFF // 设备上报错误
)

// 通知次字节：操作码
const (
	NotifyConfigData        byte = 0x40 // 配置数据块（RespErr时表示读取失败）
	NotifyVersion           byte = 0x43 // 固件版本应答
	NotifyGenericAck        byte = 0x63 // 通用命令确认
	NotifyDfuPartErr        byte = 0xC4 // DFU分片错误，需重发当前分片
	NotifyDfuPartAck        byte = 0xC5 // DFU分片确认
	NotifyDfuBlockRequest   byte = 0xC6 // DFU块请求（设备拉取）
	NotifyDfuUploadOK       byte = 0xC7 // DFU上传完成
	NotifyDfuAlreadyPresent byte = 0xC8 // DFU数据已存在
	NotifyDfuApplied        byte = 0xC9 // DFU固件已生效
	NotifyConfigWritten     byte = 0xCE // 配置写入成功
	NotifyConfigWriteFailed byte = 0xCF // 配置写入失败
	NotifyDirectStartAck    byte = 0x70 // 直写开始确认
	NotifyDirectChunkAck    byte = 0x71 // 直写数据块确认
	NotifyDirectEndAck      byte = 0x72 // 直写结束确认（刷新开始）
	NotifyDirectDone        byte = 0x73 // 面板刷新完成
	NotifyDirectTimeout     byte = 0x74 // 面板刷新超时
	NotifyGenericErr        byte = 0xFF // 通用错误（与RespErr组合出现）
)

// 载荷与分片尺寸
const (
	CommandPayloadBudget = 200 // 单条命令的负载预算
	NotifyPayloadBudget  = 512 // 设备通知帧的固定预算
	ConfigChunkSize      = 200 // 配置写入分块大小
	ConfigReadChunkData  = NotifyPayloadBudget - 4 // 配置读取每块数据预算（扣除类型+操作码+块序号）

	DfuBlockSize       = 4096 // DFU块窗口大小
	DfuPartDataSize    = 230  // DFU分片数据大小
	DfuBlockHeaderSize = 4    // DFU块帧头部：{lenLo,lenHi,crcLo,crcHi}
	DfuPartFrameSize   = 1 + 1 + 1 + DfuPartDataSize // 分片帧：{checksum,blockId,partIndex,data}
	BlockRequestSize   = 17   // 块请求帧：{checksum,version*8,blockId,type,parts*6}

	DirectChunkSize   = 230       // 直写数据块大小
	MaxCompressedSize = 50 * 1024 // 压缩数据上限，超过则改发原始数据
)

// CommandName 返回命令字的可读名称（日志与CLI用）
func CommandName(id uint16) string {
	switch id {
	case CmdDfuBlockAck:
		return "DFU_BLOCK_ACK"
	case CmdDfuFinalize:
		return "DFU_FINALIZE"
	case CmdReboot:
		return "REBOOT"
	case CmdConfigRead:
		return "CONFIG_READ"
	case CmdConfigWrite:
		return "CONFIG_WRITE"
	case CmdConfigWriteNext:
		return "CONFIG_WRITE_NEXT"
	case CmdFirmwareVersion:
		return "FIRMWARE_VERSION"
	case CmdDfuPartData:
		return "DFU_PART_DATA"
	case CmdDirectStart:
		return "DIRECT_START"
	case CmdDirectChunk:
		return "DIRECT_CHUNK"
	case CmdDirectEnd:
		return "DIRECT_END"
	default:
		return "UNKNOWN"
	}
}

// NotifyName 返回通知帧的可读名称
func NotifyName(resp, cmd byte) string {
	if resp == RespErr {
		switch cmd {
		case NotifyConfigData:
			return "CONFIG_READ_FAILED"
		case NotifyGenericErr:
			return "GENERIC_ERROR"
		default:
			return "DEVICE_ERROR"
		}
	}
	switch cmd {
	case NotifyConfigData:
		return "CONFIG_DATA"
	case NotifyVersion:
		return "VERSION"
	case NotifyGenericAck:
		return "GENERIC_ACK"
	case NotifyDfuPartErr:
		return "DFU_PART_ERR"
	case NotifyDfuPartAck:
		return "DFU_PART_ACK"
	case NotifyDfuBlockRequest:
		return "DFU_BLOCK_REQUEST"
	case NotifyDfuUploadOK:
		return "DFU_UPLOAD_OK"
	case NotifyDfuAlreadyPresent:
		return "DFU_ALREADY_PRESENT"
	case NotifyDfuApplied:
		return "DFU_APPLIED"
	case NotifyConfigWritten:
		return "CONFIG_WRITTEN"
	case NotifyConfigWriteFailed:
		return "CONFIG_WRITE_FAILED"
	case NotifyDirectStartAck:
		return "DIRECT_START_ACK"
	case NotifyDirectChunkAck:
		return "DIRECT_CHUNK_ACK"
	case NotifyDirectEndAck:
		return "DIRECT_END_ACK"
	case NotifyDirectDone:
		return "DIRECT_DONE"
	case NotifyDirectTimeout:
		return "DIRECT_TIMEOUT"
	default:
		return "UNKNOWN"
	}
}
