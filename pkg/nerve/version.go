package nerve

import (
	"encoding/json"
	"fmt"

	"github.com/cespare/xxhash/v2"

	"github.com/goupter/nerve/pkg/config"
)

// Version 合并后服务配置的指纹，只用于判断是否相等
//
// encoding/json 对 map 按键排序输出，同样的配置总得到同样的指纹。
func Version(spec config.ServiceSpec) string {
	data, err := json.Marshal(spec.Clone())
	if err != nil {
		// 检查参数里出现 JSON 无法表示的值时退回 fmt，它同样按键排序输出 map
		data = []byte(fmt.Sprintf("%+v", spec))
	}
	return fmt.Sprintf("%016x", xxhash.Sum64(data))
}
