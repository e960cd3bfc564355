package common

// SendLatest 向容量受限的通道投递 v，缓冲满时先丢弃最旧的待取值。
// 接收方总能拿到最新值，中间值可能被跳过。仅限单生产者使用。
func SendLatest[T any](ch chan T, v T) {
	for {
		select {
		case ch <- v:
			return
		default:
			select {
			case <-ch:
			default:
			}
		}
	}
}

// TrySignal 对信号通道做一次非阻塞发送。
// 已有未消费信号时合并，返回 false。
func TrySignal(ch chan<- struct{}) bool {
	select {
	case ch <- struct{}{}:
		return true
	default:
		return false
	}
}
